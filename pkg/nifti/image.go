package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"fsldisplay/pkg/overlay"
)

// Decode reads a single-file NIfTI-1 image from r. name becomes the
// overlay name.
func Decode(r io.Reader, name string) (*overlay.Image, error) {
	h, order, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	shape, err := h.Shape()
	if err != nil {
		return nil, err
	}
	size, err := h.DataSize()
	if err != nil {
		return nil, err
	}

	kind := overlay.KindVolume
	if h.IntentCode == IntentLabel {
		kind = overlay.KindLabel
	}

	img, err := overlay.NewImage(name, kind, shape, h.PixDim(), h.Affine())
	if err != nil {
		return nil, err
	}

	// Skip the extension flag and any extensions.
	if _, err := io.CopyN(io.Discard, r, int64(h.VoxOffset)-headerSize); err != nil {
		return nil, fmt.Errorf("error seeking to voxel data: %w", err)
	}

	// Memory grows with the bytes actually present, not the declared size.
	raw, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return nil, fmt.Errorf("error reading voxel data: %w", err)
	}
	if int64(len(raw)) < size {
		return nil, fmt.Errorf("error reading voxel data: expected %d bytes, got %d", size, len(raw))
	}
	nvox := h.NumVoxels()

	data := decodeVoxels(raw, h.Datatype, order, nvox)
	if slope, inter := float64(h.SclSlope), float64(h.SclInter); slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	if err := img.SetData(data); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"name":  name,
		"shape": shape,
		"kind":  kind,
	}).Debug("Decoded nifti image")
	return img, nil
}

func decodeVoxels(raw []byte, datatype int16, order binary.ByteOrder, nvox int) []float64 {
	data := make([]float64, nvox)
	for i := range data {
		switch datatype {
		case DTUint8:
			data[i] = float64(raw[i])
		case DTInt8:
			data[i] = float64(int8(raw[i]))
		case DTInt16:
			data[i] = float64(int16(order.Uint16(raw[2*i:])))
		case DTUint16:
			data[i] = float64(order.Uint16(raw[2*i:]))
		case DTInt32:
			data[i] = float64(int32(order.Uint32(raw[4*i:])))
		case DTUint32:
			data[i] = float64(order.Uint32(raw[4*i:]))
		case DTFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		case DTFloat64:
			data[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	}
	return data
}

// OverlayName returns the overlay name for a file path: the base name
// without the .nii or .nii.gz suffix.
func OverlayName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	return strings.TrimSuffix(name, ".nii")
}

// Load reads a .nii or .nii.gz file.
func Load(path string) (*overlay.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error opening %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	img, err := Decode(r, OverlayName(path))
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", path, err)
	}
	return img, nil
}

// Encode writes img as a little-endian float32 NIfTI-1 image, storing its
// voxel-to-world affine as the sform. Images without data are written as
// zeros.
func Encode(w io.Writer, img *overlay.Image) error {
	shape := img.Shape()
	nvols := img.NumVolumes()
	pixdim := img.PixDim()
	m := img.VoxToWorld()

	h := Header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: minVoxOffset,
		SclSlope:  1,
		SformCode: 2,
		Magic:     magicSingleFile,
	}
	h.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	if nvols > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(nvols)
	}
	h.Pixdim = [8]float32{1, float32(pixdim[0]), float32(pixdim[1]), float32(pixdim[2]), 1, 1, 1, 1}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(m.At(0, j))
		h.SRowY[j] = float32(m.At(1, j))
		h.SRowZ[j] = float32(m.At(2, j))
	}
	if img.Kind() == overlay.KindLabel {
		h.IntentCode = IntentLabel
	}
	copy(h.Descrip[:], "fsldisplay")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error encoding nifti header: %w", err)
	}
	// Extension flag: no extensions.
	buf.Write([]byte{0, 0, 0, 0})

	data := img.Data()
	if data == nil {
		data = make([]float64, img.NumVoxels())
	}
	values := make([]float32, len(data))
	for i, v := range data {
		values[i] = float32(v)
	}
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("error encoding voxel data: %w", err)
	}

	_, err := buf.WriteTo(w)
	return err
}

// Save writes img to path, gzip compressed when path ends in .gz.
func Save(path string, img *overlay.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err := Encode(w, img); err != nil {
		return fmt.Errorf("error saving %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("error saving %s: %w", path, err)
		}
	}
	return f.Close()
}
