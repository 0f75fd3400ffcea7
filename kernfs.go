package kernfs

import "fmt"

// On-disk layout constants shared by every backend.
const (
	RootDev uint32 = 1 // device number of the root file system
	RootIno uint32 = 1 // inode number of every device's root directory
)

// Kind is the type tag stored in an inode. KindNone marks a free inode.
type Kind uint16

const (
	KindNone Kind = iota
	KindDir
	KindFile
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// InodeType is an inode kind plus the major/minor numbers that only
// device inodes carry.
type InodeType struct {
	Kind  Kind
	Major uint16
	Minor uint16
}

// Dir is the type of a directory inode.
func Dir() InodeType { return InodeType{Kind: KindDir} }

// File is the type of a regular file inode.
func File() InodeType { return InodeType{Kind: KindFile} }

// Device is the type of a device inode with the given major and minor numbers.
func Device(major, minor uint16) InodeType {
	return InodeType{Kind: KindDevice, Major: major, Minor: minor}
}

func (t InodeType) IsDir() bool    { return t.Kind == KindDir }
func (t InodeType) IsFile() bool   { return t.Kind == KindFile }
func (t InodeType) IsDevice() bool { return t.Kind == KindDevice }

func (t InodeType) String() string {
	if t.Kind == KindDevice {
		return fmt.Sprintf("device(%d,%d)", t.Major, t.Minor)
	}
	return t.Kind.String()
}

// OpenMode holds the open(2) flag bits.
type OpenMode int

const (
	O_RDONLY OpenMode = 0x000
	O_WRONLY OpenMode = 0x001
	O_RDWR   OpenMode = 0x002
	O_CREATE OpenMode = 0x200
	O_TRUNC  OpenMode = 0x400
)

// Readable reports whether a file opened with m may be read.
func (m OpenMode) Readable() bool { return m&O_WRONLY == 0 }

// Writable reports whether a file opened with m may be written.
func (m OpenMode) Writable() bool { return m&O_WRONLY != 0 || m&O_RDWR != 0 }

// ReadOnly reports whether m requests neither write mode.
func (m OpenMode) ReadOnly() bool { return m&(O_WRONLY|O_RDWR) == 0 }

func (m OpenMode) Has(flag OpenMode) bool { return m&flag != 0 }
