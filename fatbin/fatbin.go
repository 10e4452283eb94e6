// Package fatbin implements a container of kernel images compiled for several device architectures,
// so one file can be loaded on devices of different compute capabilities.
//
// The encoding is a magic header followed by a protocol buffer wire-format message:
//
//	message Bundle { repeated Image images = 1; }
//	message Image  { uint32 target = 1; Kind kind = 2; bytes data = 3; string name = 4; }
//
// Target is the compute capability encoded as 10*major + minor (e.g. 75 for sm_75).
package fatbin

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Magic prefixes every encoded bundle.
var Magic = []byte("GOCUFATB")

// Kind of image.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindPTX
	KindCubin
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPTX:
		return "PTX"
	case KindCubin:
		return "Cubin"
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Image is one kernel image of a Bundle.
type Image struct {
	Target int
	Kind   Kind
	Name   string
	Data   []byte
}

// Bundle is a set of kernel images for different targets.
type Bundle struct {
	Images []Image
}

// Protocol buffer field numbers.
const (
	fieldBundleImages protowire.Number = 1

	fieldImageTarget protowire.Number = 1
	fieldImageKind   protowire.Number = 2
	fieldImageData   protowire.Number = 3
	fieldImageName   protowire.Number = 4
)

// IsBundle returns whether data starts with the bundle Magic.
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Add an image to the bundle.
func (b *Bundle) Add(target int, kind Kind, name string, data []byte) {
	b.Images = append(b.Images, Image{Target: target, Kind: kind, Name: name, Data: data})
}

// Encode returns the serialized bundle, prefixed with Magic.
func (b *Bundle) Encode() []byte {
	out := slices.Clone(Magic)
	for _, img := range b.Images {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldImageTarget, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(img.Target))
		msg = protowire.AppendTag(msg, fieldImageKind, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(img.Kind))
		msg = protowire.AppendTag(msg, fieldImageData, protowire.BytesType)
		msg = protowire.AppendBytes(msg, img.Data)
		if img.Name != "" {
			msg = protowire.AppendTag(msg, fieldImageName, protowire.BytesType)
			msg = protowire.AppendString(msg, img.Name)
		}
		out = protowire.AppendTag(out, fieldBundleImages, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}

// Decode parses an encoded bundle. The images' Data reference data, they are not copied.
func Decode(data []byte) (*Bundle, error) {
	if !IsBundle(data) {
		return nil, errors.New("not a fatbin bundle: missing magic header")
	}
	b := &Bundle{}
	err := consumeFields(data[len(Magic):], func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
		if num != fieldBundleImages {
			return nil
		}
		if typ != protowire.BytesType {
			return errors.Errorf("field images has wire type %d, wanted bytes", typ)
		}
		img, err := decodeImage(value)
		if err != nil {
			return errors.WithMessagef(err, "image #%d", len(b.Images))
		}
		b.Images = append(b.Images, img)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode fatbin bundle")
	}
	return b, nil
}

func decodeImage(data []byte) (Image, error) {
	var img Image
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldImageTarget:
			img.Target = int(varint)
		case fieldImageKind:
			img.Kind = Kind(varint)
		case fieldImageData:
			img.Data = value
		case fieldImageName:
			img.Name = string(value)
		}
		return nil
	})
	if err != nil {
		return img, err
	}
	if img.Target <= 0 {
		return img, errors.Errorf("invalid target %d", img.Target)
	}
	if len(img.Data) == 0 {
		return img, errors.Errorf("empty image for target sm_%d", img.Target)
	}
	return img, nil
}

// consumeFields iterates over the fields of a wire-format message. For bytes fields it passes the
// value, for varint fields the varint; other wire types are skipped.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, value, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Select returns the image with the highest target not above computeCapability (10*major+minor).
// PTX images are preferred over others of the same target, since they can be JIT compiled forward.
func (b *Bundle) Select(computeCapability int) (*Image, bool) {
	var best *Image
	for ii := range b.Images {
		img := &b.Images[ii]
		if img.Target > computeCapability {
			continue
		}
		if best == nil || img.Target > best.Target || (img.Target == best.Target && img.Kind == KindPTX && best.Kind != KindPTX) {
			best = img
		}
	}
	return best, best != nil
}

// Targets returns the sorted targets present in the bundle.
func (b *Bundle) Targets() []int {
	targets := make([]int, 0, len(b.Images))
	for _, img := range b.Images {
		targets = append(targets, img.Target)
	}
	slices.Sort(targets)
	return slices.Compact(targets)
}
