package ml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
)

// Minimal reader/writer for the NPY v1.0 container holding the phrase
// embedding matrices. Only the shape the pipeline emits is supported:
// little-endian float32, C order, 2-D.

var (
	npyMagic      = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}
	npyDescrRegex = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	npyOrderRegex = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShapeRegex = regexp.MustCompile(`'shape':\s*\((\d+)\s*,\s*(\d+)\s*,?\s*\)`)
)

// ReadNpyMatrix loads a 2-D float32 matrix from an .npy file.
func ReadNpyMatrix(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open npy file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read npy preamble: %w", err)
	}
	for i, b := range npyMagic {
		if header[i] != b {
			return nil, fmt.Errorf("not an npy file: bad magic")
		}
	}
	if header[6] != 1 {
		return nil, fmt.Errorf("unsupported npy version %d.%d", header[6], header[7])
	}

	var headerLen uint16
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read npy header length: %w", err)
	}
	dictBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, dictBytes); err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}
	dict := string(dictBytes)

	descr := npyDescrRegex.FindStringSubmatch(dict)
	if descr == nil || descr[1] != "<f4" {
		return nil, fmt.Errorf("unsupported npy dtype in header %q", dict)
	}
	order := npyOrderRegex.FindStringSubmatch(dict)
	if order == nil || order[1] != "False" {
		return nil, fmt.Errorf("fortran-ordered npy arrays are not supported")
	}
	shape := npyShapeRegex.FindStringSubmatch(dict)
	if shape == nil {
		return nil, fmt.Errorf("npy array is not 2-D: %q", dict)
	}

	rows, err := strconv.Atoi(shape[1])
	if err != nil {
		return nil, err
	}
	cols, err := strconv.Atoi(shape[2])
	if err != nil {
		return nil, err
	}

	matrix := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, cols)
		if err := binary.Read(r, binary.LittleEndian, &row); err != nil {
			return nil, fmt.Errorf("failed to read npy row %d: %w", i, err)
		}
		matrix[i] = row
	}

	return matrix, nil
}

// WriteNpyMatrix writes a 2-D float32 matrix as NPY v1.0, padding the
// header to a 64-byte boundary the way numpy does.
func WriteNpyMatrix(path string, matrix [][]float32) error {
	rows := len(matrix)
	cols := 0
	if rows > 0 {
		cols = len(matrix[0])
	}

	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	unpadded := len(npyMagic) + 2 + 2 + len(dict) + 1
	padding := (64 - unpadded%64) % 64
	for i := 0; i < padding; i++ {
		dict += " "
	}
	dict += "\n"

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create npy file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(dict))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(dict)); err != nil {
		return err
	}
	for i, row := range matrix {
		if len(row) != cols {
			return fmt.Errorf("row %d has %d cols, expected %d", i, len(row), cols)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return err
		}
	}

	return w.Flush()
}
