// Package niftiio moves volumes between memory and NIfTI-1 files. Voxel
// decoding on the read path is delegated to the nifti library, which handles
// the on-disk datatypes and gzip transport; the fixed 348-byte header is
// parsed and written here, since the library exposes no write path.
package niftiio

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/KyungWonPark/nifti"

	"mriascm/pkg/volume"
)

const (
	headerSize = 348

	// NIfTI-1 datatype code for 32-bit floats, the only type written.
	dtFloat32 = 16
)

// nifti1Header is the fixed-layout NIfTI-1 file header.
type nifti1Header struct {
	SizeofHdr                    int32
	DataType                     [10]byte
	DBName                       [18]byte
	Extents                      int32
	SessionError                 int16
	Regular                      byte
	DimInfo                      byte
	Dim                          [8]int16
	IntentP1, IntentP2, IntentP3 float32
	IntentCode                   int16
	Datatype                     int16
	Bitpix                       int16
	SliceStart                   int16
	Pixdim                       [8]float32
	VoxOffset                    float32
	SclSlope                     float32
	SclInter                     float32
	SliceEnd                     int16
	SliceCode                    byte
	XyztUnits                    byte
	CalMax                       float32
	CalMin                       float32
	SliceDuration                float32
	Toffset                      float32
	Glmax                        int32
	Glmin                        int32
	Descrip                      [80]byte
	AuxFile                      [24]byte
	QformCode                    int16
	SformCode                    int16
	QuaternB, QuaternC, QuaternD float32
	QoffsetX, QoffsetY, QoffsetZ float32
	SrowX                        [4]float32
	SrowY                        [4]float32
	SrowZ                        [4]float32
	IntentName                   [16]byte
	Magic                        [4]byte
}

// Header summarises the fields of a NIfTI file the pipeline cares about.
type Header struct {
	Nx, Ny, Nz, Nt int
	Affine         [3][4]float64
}

// ReadHeader parses the header of a .nii or .nii.gz file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open NIfTI file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read NIfTI header: %w", err)
	}
	return parseHeader(raw)
}

// parseHeader decodes the raw 348 header bytes, trying both byte orders.
func parseHeader(raw []byte) (*Header, error) {
	var hdr nifti1Header
	order := binary.ByteOrder(binary.LittleEndian)
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
	}
	if hdr.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
		}
		if hdr.SizeofHdr != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: header size %d", hdr.SizeofHdr)
		}
	}
	if hdr.Magic[0] != 'n' || (hdr.Magic[1] != '+' && hdr.Magic[1] != 'i') || hdr.Magic[2] != '1' {
		return nil, fmt.Errorf("not a NIfTI-1 file: bad magic %q", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("unsupported NIfTI dimensionality %d, need 3D or 4D", ndim)
	}

	h := &Header{
		Nx: int(hdr.Dim[1]),
		Ny: int(hdr.Dim[2]),
		Nz: int(hdr.Dim[3]),
		Nt: 1,
	}
	if ndim >= 4 && hdr.Dim[4] > 1 {
		h.Nt = int(hdr.Dim[4])
	}
	if h.Nx <= 0 || h.Ny <= 0 || h.Nz <= 0 {
		return nil, fmt.Errorf("invalid NIfTI dimensions %dx%dx%d", h.Nx, h.Ny, h.Nz)
	}

	if hdr.SformCode > 0 {
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				h.Affine[i][j] = float64(rows[i][j])
			}
		}
	} else {
		// Fall back to a diagonal transform from the voxel spacing.
		h.Affine = volume.Identity()
		for i := 0; i < 3; i++ {
			if hdr.Pixdim[i+1] != 0 {
				h.Affine[i][i] = float64(hdr.Pixdim[i+1])
			}
		}
	}

	return h, nil
}

// Load reads the first channel of a NIfTI file as a volume.
func Load(path string) (*volume.Volume, error) {
	return LoadChannel(path, 0)
}

// LoadChannel reads one channel (the t index of a 4D acquisition) of a
// NIfTI file as a volume.
func LoadChannel(path string, t int) (*volume.Volume, error) {
	hdr, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	if t < 0 || t >= hdr.Nt {
		return nil, &volume.InvalidParameterError{
			Name:   "channel",
			Value:  float64(t),
			Reason: fmt.Sprintf("file has %d channels", hdr.Nt),
		}
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	vol, err := volume.New(hdr.Nx, hdr.Ny, hdr.Nz)
	if err != nil {
		return nil, err
	}
	vol.Affine = hdr.Affine

	for z := 0; z < hdr.Nz; z++ {
		for y := 0; y < hdr.Ny; y++ {
			for x := 0; x < hdr.Nx; x++ {
				vol.Set(x, y, z, float64(img.GetAt(uint32(x), uint32(y), uint32(z), uint32(t))))
			}
		}
	}

	return vol, nil
}

// Save writes the volume as a single-file NIfTI-1 image with float32 data,
// gzipped when the path ends in .gz. The volume's affine is stored in the
// srow fields so the spatial transform survives the round trip.
func Save(path string, vol *volume.Volume) error {
	if vol == nil || len(vol.Data) == 0 {
		return &volume.DegenerateInputError{Reason: "empty volume"}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create NIfTI file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	return encodeVolume(w, vol)
}

// encodeVolume writes the header, the four extension bytes and the voxel
// payload to the stream.
func encodeVolume(w io.Writer, vol *volume.Volume) error {
	hdr := buildHeader(vol)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// No header extensions.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}

	data := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// buildHeader fills a NIfTI-1 header for a 3D float32 volume.
func buildHeader(vol *volume.Volume) nifti1Header {
	var hdr nifti1Header
	hdr.SizeofHdr = headerSize
	hdr.Regular = 'r'
	hdr.Dim = [8]int16{3, int16(vol.Nx), int16(vol.Ny), int16(vol.Nz), 1, 1, 1, 1}
	hdr.Datatype = dtFloat32
	hdr.Bitpix = 32
	hdr.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	for i := 0; i < 3; i++ {
		// Voxel spacing from the affine column norms.
		n := math.Sqrt(vol.Affine[0][i]*vol.Affine[0][i] +
			vol.Affine[1][i]*vol.Affine[1][i] +
			vol.Affine[2][i]*vol.Affine[2][i])
		if n > 0 {
			hdr.Pixdim[i+1] = float32(n)
		}
	}
	hdr.VoxOffset = headerSize + 4
	hdr.SclSlope = 1
	lo, hi := vol.MinMax()
	hdr.CalMin = float32(lo)
	hdr.CalMax = float32(hi)
	copy(hdr.Descrip[:], "mriascm denoised volume")
	hdr.SformCode = 1
	hdr.QformCode = 0
	hdr.SrowX = affineRow(vol.Affine[0])
	hdr.SrowY = affineRow(vol.Affine[1])
	hdr.SrowZ = affineRow(vol.Affine[2])
	hdr.Magic = [4]byte{'n', '+', '1', 0}
	return hdr
}

func affineRow(row [4]float64) [4]float32 {
	return [4]float32{float32(row[0]), float32(row[1]), float32(row[2]), float32(row[3])}
}
