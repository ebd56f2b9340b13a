// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) as overlays.
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	log "github.com/sirupsen/logrus"

	"fsldisplay/pkg/affine"
)

// Header is the 348 byte NIfTI-1 header.
//
// Type translation from the C header:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  uint8
type Header struct {
	SizeofHdr    int32    // Must be 348
	DataTypeName [10]byte // Unused
	DBName       [18]byte // Unused
	Extents      int32    // Unused
	SessionError int16    // Unused
	Regular      byte     // Unused
	DimInfo      byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	Datatype      int16      // Defines data type
	Bitpix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	Pixdim        [8]float32 // Grid spacing; pixdim[0] is qfac
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	Glmax         int32      // Unused
	Glmin         int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QformCode int16 // NIFTI_XFORM_* code
	SformCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "n+1\0" for single-file images
}

const (
	headerSize = 348

	// minVoxOffset leaves room for the header and the 4 byte extension
	// flag which follows it in a .nii file.
	minVoxOffset = 352
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// Datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// IntentLabel marks an image of integer labels.
const IntentLabel = 1002

var bytesPerVoxel = map[int16]int{
	DTUint8:   1,
	DTInt8:    1,
	DTInt16:   2,
	DTUint16:  2,
	DTInt32:   4,
	DTUint32:  4,
	DTFloat32: 4,
	DTFloat64: 8,
}

// ReadHeader reads a header and returns the byte order of the file, which
// is detected from sizeof_hdr.
func ReadHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("error reading nifti header: %w", err)
	}

	h := &Header{}
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(buf), order, h); err != nil {
		return nil, nil, fmt.Errorf("error decoding nifti header: %w", err)
	}
	if h.SizeofHdr != headerSize {
		order = binary.BigEndian
		h = &Header{}
		if err := binary.Read(bytes.NewReader(buf), order, h); err != nil {
			return nil, nil, fmt.Errorf("error decoding nifti header: %w", err)
		}
	}

	if err := h.Validate(); err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"byteOrder": order,
		"datatype":  h.Datatype,
		"dim":       h.Dim,
	}).Debug("Read nifti header")
	return h, order, nil
}

// Validate checks the fields needed to place and decode the image.
func (h *Header) Validate() error {
	switch {
	case h.SizeofHdr != headerSize:
		return fmt.Errorf("invalid nifti header size %d", h.SizeofHdr)
	case h.Magic != magicSingleFile:
		return fmt.Errorf("invalid nifti magic %q: only single-file images are supported", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("invalid number of dimensions %d", h.Dim[0])
	case h.VoxOffset < minVoxOffset:
		return fmt.Errorf("invalid vox_offset %g", h.VoxOffset)
	}
	if _, ok := bytesPerVoxel[h.Datatype]; !ok {
		return fmt.Errorf("unsupported nifti datatype %d", h.Datatype)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("invalid dim[%d] = %d", i, h.Dim[i])
		}
	}
	return nil
}

// Shape returns the image dimensions. Images with more than four
// dimensions are accepted only when the extra dimensions have length 1.
func (h *Header) Shape() ([]int, error) {
	n := int(h.Dim[0])
	for i := 5; i <= n; i++ {
		if h.Dim[i] > 1 {
			return nil, fmt.Errorf("images with %d dimensions are not supported", n)
		}
	}
	if n > 4 {
		n = 4
	}
	shape := make([]int, n)
	for i := range shape {
		shape[i] = int(h.Dim[i+1])
	}
	return shape, nil
}

// NumVoxels returns the number of values stored in the file.
func (h *Header) NumVoxels() int {
	n := 1
	for i := 1; i <= int(h.Dim[0]); i++ {
		n *= int(h.Dim[i])
	}
	return n
}

// maxDataBytes bounds the voxel data size a header may declare.
const maxDataBytes = 1 << 40

// DataSize returns the number of bytes of voxel data the header declares.
// Headers declaring more than maxDataBytes are rejected.
func (h *Header) DataSize() (int64, error) {
	n := int64(bytesPerVoxel[h.Datatype])
	for i := 1; i <= int(h.Dim[0]); i++ {
		d := int64(h.Dim[i])
		if n > maxDataBytes/d {
			return 0, fmt.Errorf("image dimensions %v are too large", h.Dim[1:h.Dim[0]+1])
		}
		n *= d
	}
	return n, nil
}

// PixDim returns the spatial voxel sizes. Missing or zero sizes are
// treated as 1.
func (h *Header) PixDim() affine.Vec3 {
	var p affine.Vec3
	for i := 0; i < 3; i++ {
		v := math.Abs(float64(h.Pixdim[i+1]))
		if v == 0 || math.IsNaN(v) {
			v = 1
		}
		p[i] = v
	}
	return p
}

// Affine returns the voxel-to-world transform: the sform when its code is
// set, otherwise the qform, otherwise a scaling by the voxel sizes.
func (h *Header) Affine() affine.Mat4 {
	switch {
	case h.SformCode > 0:
		return h.sform()
	case h.QformCode > 0:
		return h.qform()
	}
	p := h.PixDim()
	return affine.Scale(p[0], p[1], p[2])
}

func (h *Header) sform() affine.Mat4 {
	var rows [4][4]float64
	for i, row := range [3][4]float32{h.SRowX, h.SRowY, h.SRowZ} {
		for j, v := range row {
			rows[i][j] = float64(v)
		}
	}
	rows[3][3] = 1
	return affine.FromRows(rows)
}

// qform builds the rotation from the quaternion (b, c, d), with a derived
// so that the quaternion has unit length, then scales its columns by the
// voxel sizes and qfac.
func (h *Header) qform() affine.Mat4 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)

	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Not a unit quaternion; normalise (b, c, d) and rotate by 180 degrees.
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	p := h.PixDim()
	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := p[0], p[1], qfac*p[2]

	return affine.FromRows([4][4]float64{
		{(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX)},
		{2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY)},
		{2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ)},
		{0, 0, 0, 1},
	})
}
