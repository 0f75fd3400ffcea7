package config

import "time"

// MountOptions holds high-level settings for serving a kernel over FUSE.
// No go-fuse types are exposed here.
type MountOptions struct {
	Debug        bool          // fuse debug logs
	FsName       string        // mount's FsName
	Name         string        // mount's Name
	EntryTimeout time.Duration // how long the host may cache names and attributes
}

// NewDefaultMountOptions returns the options a mount uses when the caller
// passes none.
func NewDefaultMountOptions() *MountOptions {
	return &MountOptions{
		FsName:       "kernfs",
		Name:         "kernfs",
		EntryTimeout: time.Second,
	}
}
