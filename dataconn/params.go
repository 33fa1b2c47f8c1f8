package dataconn

import (
	"fmt"
	"strings"
)

// TransferType is the representation type set by TYPE.
type TransferType int

const (
	TypeASCII TransferType = iota
	TypeEBCDIC
	TypeImage
	TypeLocal
)

func (t TransferType) String() string {
	switch t {
	case TypeASCII:
		return "ASCII"
	case TypeEBCDIC:
		return "EBCDIC"
	case TypeImage:
		return "IMAGE"
	case TypeLocal:
		return "LOCAL"
	}
	return fmt.Sprintf("TYPE(%d)", int(t))
}

// TransferSubType is the format control of ASCII and EBCDIC types.
type TransferSubType int

const (
	SubTypeNonPrint TransferSubType = iota
	SubTypeTelnet
	SubTypeCarriage
)

func (s TransferSubType) String() string {
	switch s {
	case SubTypeNonPrint:
		return "NONPRINT"
	case SubTypeTelnet:
		return "TELNET"
	case SubTypeCarriage:
		return "CARRIAGE"
	}
	return fmt.Sprintf("SUBTYPE(%d)", int(s))
}

// TransferStructure is the file structure set by STRU.
type TransferStructure int

const (
	StructureFile TransferStructure = iota
	StructureRecord
	StructurePage
)

func (s TransferStructure) String() string {
	switch s {
	case StructureFile:
		return "FILE"
	case StructureRecord:
		return "RECORD"
	case StructurePage:
		return "PAGE"
	}
	return fmt.Sprintf("STRUCTURE(%d)", int(s))
}

// TransferMode is the transmission mode set by MODE.
type TransferMode int

const (
	ModeStream TransferMode = iota
	ModeBlock
	ModeCompressed
	ModeZlib
)

func (m TransferMode) String() string {
	switch m {
	case ModeStream:
		return "STREAM"
	case ModeBlock:
		return "BLOCK"
	case ModeCompressed:
		return "COMPRESSED"
	case ModeZlib:
		return "ZLIB"
	}
	return fmt.Sprintf("MODE(%d)", int(m))
}

// ParseType parses the argument of a TYPE command, e.g. "A", "A N", "I", "L 8".
func ParseType(arg string) (TransferType, TransferSubType, error) {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("missing type")
	}
	var t TransferType
	switch fields[0] {
	case "A":
		t = TypeASCII
	case "E":
		t = TypeEBCDIC
	case "I":
		t = TypeImage
	case "L":
		if len(fields) > 1 && fields[1] != "8" {
			return 0, 0, fmt.Errorf("unsupported local byte size %s", fields[1])
		}
		return TypeLocal, SubTypeNonPrint, nil
	default:
		return 0, 0, fmt.Errorf("unknown type %s", fields[0])
	}
	sub := SubTypeNonPrint
	if len(fields) > 1 {
		if t == TypeImage {
			return 0, 0, fmt.Errorf("type I takes no format control")
		}
		switch fields[1] {
		case "N":
			sub = SubTypeNonPrint
		case "T":
			sub = SubTypeTelnet
		case "C":
			sub = SubTypeCarriage
		default:
			return 0, 0, fmt.Errorf("unknown format control %s", fields[1])
		}
	}
	return t, sub, nil
}

// ParseMode parses the argument of a MODE command.
func ParseMode(arg string) (TransferMode, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		return ModeStream, nil
	case "B":
		return ModeBlock, nil
	case "C":
		return ModeCompressed, nil
	case "Z":
		return ModeZlib, nil
	}
	return 0, fmt.Errorf("unknown mode %q", arg)
}

// ParseStructure parses the argument of a STRU command.
func ParseStructure(arg string) (TransferStructure, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		return StructureFile, nil
	case "R":
		return StructureRecord, nil
	case "P":
		return StructurePage, nil
	}
	return 0, fmt.Errorf("unknown structure %q", arg)
}

// Params groups the negotiated representation of the data connection.
type Params struct {
	Type      TransferType
	SubType   TransferSubType
	Structure TransferStructure
	Mode      TransferMode
}

// DefaultParams returns the RFC 959 defaults: ASCII non-print, file, stream.
func DefaultParams() Params {
	return Params{
		Type:      TypeASCII,
		SubType:   SubTypeNonPrint,
		Structure: StructureFile,
		Mode:      ModeStream,
	}
}

// IsFileStreamBlockAsciiImage reports whether the parameters describe a plain
// file sent in stream, zlib or block mode as ASCII or image.
func (p Params) IsFileStreamBlockAsciiImage() bool {
	return p.Structure == StructureFile &&
		(p.Mode == ModeStream || p.Mode == ModeZlib || p.Mode == ModeBlock) &&
		(p.Type == TypeASCII || p.Type == TypeImage)
}

// IsStreamFile reports whether the connection closes at the end of each file.
func (p Params) IsStreamFile() bool {
	return (p.Mode == ModeStream || p.Mode == ModeZlib) && p.Structure == StructureFile
}
