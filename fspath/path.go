// Package fspath holds the path and directory-entry name types used by
// the resolver, and the walker that splits a path into names.
package fspath

import (
	"bytes"
	"errors"
	"iter"
)

// DirSiz is the maximum length of a directory-entry name in bytes.
const DirSiz = 14

// MaxPath bounds a path argument at the syscall boundary, counting the
// terminating NUL a C caller would pass.
const MaxPath = 128

// ErrNul is returned when a path contains a NUL byte.
var ErrNul = errors.New("path contains NUL byte")

// FileName is a single directory-entry name: at most DirSiz bytes and
// free of NUL and '/'. The zero value is the empty name.
type FileName struct {
	b []byte
}

// NewFileName builds a name from b, cutting it at the first NUL and
// then truncating it to DirSiz bytes, the way a stored entry reads
// back. b must not contain '/'.
func NewFileName(b []byte) FileName {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) > DirSiz {
		b = b[:DirSiz]
	}
	return FileName{b: bytes.Clone(b)}
}

// Name is NewFileName for a string.
func Name(s string) FileName {
	return NewFileName([]byte(s))
}

func (n FileName) Bytes() []byte  { return bytes.Clone(n.b) }
func (n FileName) String() string { return string(n.b) }
func (n FileName) Len() int       { return len(n.b) }
func (n FileName) IsEmpty() bool  { return len(n.b) == 0 }

// Equal compares names byte for byte.
func (n FileName) Equal(o FileName) bool { return bytes.Equal(n.b, o.b) }

// EqualBytes compares n against a raw name, which may be NUL padded
// as stored in a directory entry.
func (n FileName) EqualBytes(raw []byte) bool {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return bytes.Equal(n.b, raw)
}

// IsDot reports whether n is ".".
func (n FileName) IsDot() bool { return len(n.b) == 1 && n.b[0] == '.' }

// IsDotDot reports whether n is "..".
func (n FileName) IsDotDot() bool { return len(n.b) == 2 && n.b[0] == '.' && n.b[1] == '.' }

// Path is an immutable slash-separated path free of NUL bytes.
type Path struct {
	b []byte
}

// NewPath copies b into a Path. It fails with ErrNul if b contains a NUL byte.
func NewPath(b []byte) (Path, error) {
	if bytes.IndexByte(b, 0) >= 0 {
		return Path{}, ErrNul
	}
	return Path{b: bytes.Clone(b)}, nil
}

// MustPath is NewPath for a string literal. It panics on a NUL byte.
func MustPath(s string) Path {
	p, err := NewPath([]byte(s))
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) Bytes() []byte  { return bytes.Clone(p.b) }
func (p Path) String() string { return string(p.b) }
func (p Path) IsEmpty() bool  { return len(p.b) == 0 }

// IsAbsolute reports whether the path starts at the root.
func (p Path) IsAbsolute() bool { return len(p.b) > 0 && p.b[0] == '/' }

// SkipElem splits off the first element of p. It returns the remaining
// path, which starts at a non-slash byte or is empty, and the element
// truncated to DirSiz. ok is false when p holds no element.
//
//	"a/bb/c"   -> "bb/c", "a"
//	"///a//bb" -> "bb", "a"
//	"a"        -> "", "a"
//	"", "////" -> no element
func (p Path) SkipElem() (rest Path, name FileName, ok bool) {
	b := p.b
	for len(b) > 0 && b[0] == '/' {
		b = b[1:]
	}
	if len(b) == 0 {
		return Path{}, FileName{}, false
	}
	end := bytes.IndexByte(b, '/')
	if end < 0 {
		end = len(b)
	}
	name = NewFileName(b[:end])
	b = b[end:]
	for len(b) > 0 && b[0] == '/' {
		b = b[1:]
	}
	return Path{b: b}, name, true
}

// Elems yields every element of p in order, each with the path that
// remains after it.
func (p Path) Elems() iter.Seq2[Path, FileName] {
	return func(yield func(Path, FileName) bool) {
		for {
			rest, name, ok := p.SkipElem()
			if !ok {
				return
			}
			if !yield(rest, name) {
				return
			}
			p = rest
		}
	}
}
