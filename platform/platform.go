package platform

import (
	"github.com/pattyshack/towhee/architecture"
)

type ArchitectureName string

const (
	Amd64 = ArchitectureName("amd64")
	Arm32 = ArchitectureName("arm32")
)

type Platform interface {
	ArchitectureName() ArchitectureName

	Registers() *architecture.RegisterSet

	FrameLayout() architecture.FrameLayout
}

func NewPlatform(name ArchitectureName) Platform {
	switch name {
	case Amd64:
		return amd64Platform{}
	case Arm32:
		return arm32Platform{}
	}
	panic("unsupported architecture: " + name)
}
