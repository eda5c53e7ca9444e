// Package driver implements the in-tree driver loader: recognition and
// loading of Fex and ELF module images handed to it by the kernel main
// thread, and the bookkeeping (memory tracker, interrupt bindings) that
// keeps a loaded driver's resources reclaimable.
package driver

import (
	"bytes"
	"encoding/binary"
	"nucleos/kernel"
)

const (
	fexMagicSize          = 4
	fexExtendedSectionOff = 128
	driverNameSize        = 64
	driverTypeNameSize    = 16
	interruptVectorCount  = 16

	// archBaseVectorX86 is added to a driver's declared interrupt vector
	// to get the IDT slot it's actually bound to.
	archBaseVectorX86 = 32

	elfMagic = "\x7fELF"
)

var fexMagic = [fexMagicSize]byte{'F', 'E', 'X', 0}

var (
	errNotRecognized = &kernel.Error{Module: "driver", Message: "image is neither a recognized Fex nor ELF module"}
	errImageTooSmall = &kernel.Error{Module: "driver", Message: "image is too small to contain a Fex header"}
	errUnknownDriver = &kernel.Error{Module: "driver", Message: "unrecognized driver type"}
)

// ImageFormat identifies the binary container a module image was loaded in.
type ImageFormat uint8

const (
	FormatFex ImageFormat = iota
	FormatELF
)

// DetectFormat classifies image by its magic bytes.
func DetectFormat(image []byte) (ImageFormat, *kernel.Error) {
	switch {
	case len(image) >= fexMagicSize && bytes.Equal(image[:fexMagicSize], fexMagic[:]):
		return FormatFex, nil
	case len(image) >= len(elfMagic) && string(image[:len(elfMagic)]) == elfMagic:
		return FormatELF, nil
	default:
		return 0, errNotRecognized
	}
}

// Type enumerates the driver categories a Fex extended header can declare.
type Type uint8

const (
	TypeGeneric Type = iota + 1
	TypeDisplay
	TypeNetwork
	TypeStorage
	TypeFileSystem
	TypeInput
	TypeAudio
)

// BindType enumerates how a driver asks the kernel to deliver events to it.
type BindType uint8

const (
	BindPCI BindType = iota + 1
	BindInterrupt
	BindInput
	BindProcess
)

// Header is the fixed Fex header living at offset 0 of every Fex image.
type Header struct {
	Type     uint8
	OSType   uint8
	Pointer  uint64
	Callback uint64
}

// ParseHeader reads the Fex header from the start of image.
func ParseHeader(image []byte) (*Header, *kernel.Error) {
	const headerSize = fexMagicSize + 1 + 1 + 8 + 8
	if len(image) < headerSize {
		return nil, errImageTooSmall
	}
	if !bytes.Equal(image[:fexMagicSize], fexMagic[:]) {
		return nil, errNotRecognized
	}

	return &Header{
		Type:     image[4],
		OSType:   image[5],
		Pointer:  binary.LittleEndian.Uint64(image[6:14]),
		Callback: binary.LittleEndian.Uint64(image[14:22]),
	}, nil
}

// PCIBind describes a PCI-matched driver binding.
type PCIBind struct {
	VendorID [driverTypeNameSize]uint16
	DeviceID [driverTypeNameSize]uint16
	Class    uint8
	SubClass uint8
	ProgIF   uint8
}

// InterruptBind describes an interrupt-matched driver binding.
type InterruptBind struct {
	Vector [interruptVectorCount]uint16
}

// Bind is the driver's declared event-delivery binding.
type Bind struct {
	Type      BindType
	PCI       PCIBind
	Interrupt InterruptBind
}

// ExtendedHeader is the FexExtended section at fexExtendedSectionOff.
type ExtendedHeader struct {
	DriverName string
	DriverType Type
	TypeName   string
	Bind       Bind
	Callback   uint64
}

// ParseExtendedHeader reads the FexExtended section from image.
func ParseExtendedHeader(image []byte) (*ExtendedHeader, *kernel.Error) {
	const (
		nameOff     = fexExtendedSectionOff
		typeOff     = nameOff + driverNameSize
		typeNameOff = typeOff + 1
		bindOff     = typeNameOff + driverTypeNameSize
		bindTypeLen = 1
		pciLen      = driverTypeNameSize*2 + 3
		interruptLen = interruptVectorCount * 2
		bindPayloadOff = bindOff + bindTypeLen
		callbackOff    = bindOff + bindTypeLen + max(pciLen, interruptLen)
	)

	if len(image) < callbackOff+8 {
		return nil, errImageTooSmall
	}

	eh := &ExtendedHeader{
		DriverName: cString(image[nameOff : nameOff+driverNameSize]),
		DriverType: Type(image[typeOff]),
		TypeName:   cString(image[typeNameOff : typeNameOff+driverTypeNameSize]),
		Callback:   binary.LittleEndian.Uint64(image[callbackOff : callbackOff+8]),
	}
	eh.Bind.Type = BindType(image[bindOff])

	switch eh.Bind.Type {
	case BindPCI:
		for i := 0; i < driverTypeNameSize; i++ {
			eh.Bind.PCI.VendorID[i] = binary.LittleEndian.Uint16(image[bindPayloadOff+i*2 : bindPayloadOff+i*2+2])
		}
		deviceOff := bindPayloadOff + driverTypeNameSize*2
		for i := 0; i < driverTypeNameSize; i++ {
			eh.Bind.PCI.DeviceID[i] = binary.LittleEndian.Uint16(image[deviceOff+i*2 : deviceOff+i*2+2])
		}
		classOff := deviceOff + driverTypeNameSize*2
		eh.Bind.PCI.Class = image[classOff]
		eh.Bind.PCI.SubClass = image[classOff+1]
		eh.Bind.PCI.ProgIF = image[classOff+2]
	case BindInterrupt:
		for i := 0; i < interruptVectorCount; i++ {
			eh.Bind.Interrupt.Vector[i] = binary.LittleEndian.Uint16(image[bindPayloadOff+i*2 : bindPayloadOff+i*2+2])
		}
	}

	return eh, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
