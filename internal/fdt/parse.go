// Package fdt parses and re-serializes a Flattened Device Tree blob:
// the handful of operations hinit.PatchDeviceTree needs to advertise
// H to the next boot stage and reserve the shadow-table carve-out.
//
// There is no intermediate streaming-builder API here: Parse and
// Build are a matched pair operating on one in-memory Node tree, and
// patch.go's helpers mutate that tree directly. A device tree is read
// once, patched, and written back out — there is no other producer of
// FDT blobs in this firmware, so the tree is the only representation
// that needs to exist.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Property is one device-tree property value. Exactly one of the
// typed fields is populated; Parse fills Bytes for a non-empty value
// and Flag for an empty one (the wire encoding gives no type
// information), while patch.go's writers pick
// whichever typed field best expresses the value they're setting.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind returns the name of the populated field, or "" if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many of the typed fields are populated.
// Build rejects a property where this isn't exactly 1.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node is one device-tree node: a name, its properties, and its
// children in document order.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Parse decodes a flattened device tree blob into a Node tree.
//
// Parse is the inverse of Build: patching a tree means Parse, mutate,
// Build, with no other representation of the blob in between.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("fdt: blob too small for header (%d bytes)", len(blob))
	}
	gotMagic := binary.BigEndian.Uint32(blob[0:4])
	if gotMagic != magic {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%08x", gotMagic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	if int(totalSize) > len(blob) {
		return Node{}, fmt.Errorf("fdt: totalsize %d exceeds blob length %d", totalSize, len(blob))
	}

	p := &parser{
		structBuf: blob[offStruct:],
		strings:   blob[offStrings:],
	}
	root, err := p.parseNode()
	if err != nil {
		return Node{}, err
	}
	return root, nil
}

type parser struct {
	structBuf []byte
	strings   []byte
	pos       int
}

func (p *parser) readU32() (uint32, error) {
	if p.pos+4 > len(p.structBuf) {
		return 0, fmt.Errorf("fdt: unexpected end of struct block")
	}
	v := binary.BigEndian.Uint32(p.structBuf[p.pos : p.pos+4])
	p.pos += 4
	return v, nil
}

func (p *parser) readCString() (string, error) {
	start := p.pos
	for p.pos < len(p.structBuf) && p.structBuf[p.pos] != 0 {
		p.pos++
	}
	if p.pos >= len(p.structBuf) {
		return "", fmt.Errorf("fdt: unterminated string in struct block")
	}
	s := string(p.structBuf[start:p.pos])
	p.pos++ // skip NUL
	p.align4()
	return s, nil
}

func (p *parser) align4() {
	for p.pos%4 != 0 {
		p.pos++
	}
}

func (p *parser) stringAt(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", fmt.Errorf("fdt: string offset %d out of range", off)
	}
	end := int(off)
	for end < len(p.strings) && p.strings[end] != 0 {
		end++
	}
	return string(p.strings[off:end]), nil
}

func (p *parser) parseNode() (Node, error) {
	tok, err := p.readU32()
	if err != nil {
		return Node{}, err
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("fdt: expected FDT_BEGIN_NODE, got %d", tok)
	}
	name, err := p.readCString()
	if err != nil {
		return Node{}, err
	}
	n := Node{Name: name}

	for {
		tok, err := p.readU32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProp:
			propName, propVal, err := p.parseProp()
			if err != nil {
				return Node{}, err
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = propVal
		case tokenBeginNode:
			p.pos -= 4 // rewind, let child parse its own begin token
			child, err := p.parseNode()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		case tokenNop:
			continue
		case tokenEnd:
			return Node{}, fmt.Errorf("fdt: unexpected FDT_END inside node %q", name)
		default:
			return Node{}, fmt.Errorf("fdt: unknown struct token %d", tok)
		}
	}
}

// parseProp decodes a raw property payload into a Property. A
// zero-length value becomes Flag; any other parsed value lands in
// Bytes: the wire encoding carries no type tag,
// so a parsed-then-unmodified property round-trips as opaque bytes,
// and only patch.go's writers (which know what a given property
// means) ever produce the typed U32/U64/Strings forms.
func (p *parser) parseProp() (string, Property, error) {
	length, err := p.readU32()
	if err != nil {
		return "", Property{}, err
	}
	nameOff, err := p.readU32()
	if err != nil {
		return "", Property{}, err
	}
	name, err := p.stringAt(nameOff)
	if err != nil {
		return "", Property{}, err
	}
	if p.pos+int(length) > len(p.structBuf) {
		return "", Property{}, fmt.Errorf("fdt: property %q value runs past struct block", name)
	}
	val := p.structBuf[p.pos : p.pos+int(length)]
	p.pos += int(length)
	p.align4()

	if length == 0 {
		return name, Property{Flag: true}, nil
	}
	return name, Property{Bytes: append([]byte(nil), val...)}, nil
}

// Build serializes a Node tree into an FDT blob, the inverse of Parse.
func Build(root Node) ([]byte, error) {
	s := &serializer{stringsOff: make(map[string]uint32)}
	if err := s.emitNode(root); err != nil {
		return nil, err
	}
	return s.finish(), nil
}

type serializer struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (s *serializer) emitNode(n Node) error {
	s.beginNode(n.Name)

	if len(n.Properties) > 0 {
		keys := make([]string, 0, len(n.Properties))
		for name := range n.Properties {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		for _, name := range keys {
			if err := s.emitProperty(name, n.Properties[name]); err != nil {
				return err
			}
		}
	}

	for _, child := range n.Children {
		if err := s.emitNode(child); err != nil {
			return err
		}
	}

	s.endNode()
	return nil
}

func (s *serializer) emitProperty(name string, prop Property) error {
	if prop.DefinedCount() == 0 {
		return fmt.Errorf("fdt property %q has no values", name)
	}
	if prop.DefinedCount() > 1 {
		return fmt.Errorf("fdt property %q has multiple value kinds", name)
	}
	var data []byte
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		data = buf.Bytes()
	case "u32":
		data = make([]byte, 0, len(prop.U32)*4)
		for _, v := range prop.U32 {
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "u64":
		data = make([]byte, 0, len(prop.U64)*8)
		for _, v := range prop.U64 {
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "bytes":
		data = append(data, prop.Bytes...)
	case "flag":
		data = nil
	default:
		return fmt.Errorf("fdt property %q has unsupported kind %q", name, prop.Kind())
	}
	s.property(name, data)
	return nil
}

func (s *serializer) beginNode(name string) {
	s.writeToken(tokenBeginNode)
	s.structBuf.WriteString(name)
	s.structBuf.WriteByte(0)
	s.padStruct()
}

func (s *serializer) endNode() {
	s.writeToken(tokenEndNode)
}

func (s *serializer) property(name string, value []byte) {
	s.writeToken(tokenProp)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	s.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], s.stringOffset(name))
	s.structBuf.Write(tmp[:])
	s.structBuf.Write(value)
	s.padStruct()
}

func (s *serializer) finish() []byte {
	s.writeToken(tokenEnd)
	s.padStruct()

	structBytes := s.structBuf.Bytes()
	stringsBytes := s.strings.Bytes()

	memReserve := make([]byte, 16)

	offMemReserve := headerSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], version)
	binary.BigEndian.PutUint32(header[24:28], lastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (s *serializer) stringOffset(name string) uint32 {
	if off, ok := s.stringsOff[name]; ok {
		return off
	}
	off := uint32(s.strings.Len())
	s.strings.WriteString(name)
	s.strings.WriteByte(0)
	s.stringsOff[name] = off
	return off
}

func (s *serializer) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	s.structBuf.Write(tmp[:])
}

func (s *serializer) padStruct() {
	for s.structBuf.Len()%4 != 0 {
		s.structBuf.WriteByte(0)
	}
}
