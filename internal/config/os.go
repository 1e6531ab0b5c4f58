package config

import "os"

// OSInterface is the slice of the host environment config loading
// touches. Parse tests inject a fake to exercise file discovery and
// precedence without writing to disk.
type OSInterface interface {
	Getenv(key string) string
	Stat(name string) (os.FileInfo, error)
	ReadFile(filename string) ([]byte, error)
}

var defaultOS = OSInterface(hostOS{})

// hostOS forwards to the real process environment and filesystem.
type hostOS struct{}

func (hostOS) Getenv(key string) string                 { return os.Getenv(key) }
func (hostOS) Stat(name string) (os.FileInfo, error)    { return os.Stat(name) }
func (hostOS) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }
