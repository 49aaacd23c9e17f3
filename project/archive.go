package project

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"sync"
)

const ProjectJsonFilename = "project.json"

var zipLocalHeader = []byte("PK\x03\x04")
var zipEndOfCentralDirectory = []byte("PK\x05\x06")

// reads members from an in memory zip
type zipAssetSource struct {
	stateLock sync.Mutex
	members   map[string]*zip.File
}

func newZipAssetSource(reader *zip.Reader) *zipAssetSource {
	members := map[string]*zip.File{}
	for _, file := range reader.File {
		// some writers nest the project in a folder
		members[path.Base(file.Name)] = file
	}
	return &zipAssetSource{
		members: members,
	}
}

func (self *zipAssetSource) member(filename string) (*zip.File, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	file, ok := self.members[filename]
	return file, ok
}

func (self *zipAssetSource) ReadAsset(ctx context.Context, filename string) ([]byte, error) {
	file, ok := self.member(filename)
	if !ok {
		return nil, fmt.Errorf("%w Archive member %s.", ErrNotFound, filename)
	}
	r, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrBadArchive, filename, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrBadArchive, filename, err)
	}
	return data, nil
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, zipLocalHeader) || bytes.HasPrefix(data, zipEndOfCentralDirectory)
}

// readArchive returns the project json and a source for asset bodies.
// Plain json input has no asset source.
func readArchive(data []byte) ([]byte, assetSource, error) {
	if !isZip(data) {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, nil, fmt.Errorf("%w Not a zip or json object.", ErrBadArchive)
		}
		return data, nil, nil
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, zip.ErrFormat) && !bytes.Contains(data, zipEndOfCentralDirectory) {
			// the writer never finished the central directory
			return nil, nil, fmt.Errorf("%w %s", ErrUnclosedArchive, err)
		}
		return nil, nil, fmt.Errorf("%w %s", ErrBadArchive, err)
	}
	source := newZipAssetSource(reader)
	projectJson, err := source.ReadAsset(context.Background(), ProjectJsonFilename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("%w Missing %s.", ErrBadArchive, ProjectJsonFilename)
		}
		return nil, nil, err
	}
	return projectJson, source, nil
}

// writeArchive writes the project json then each asset once per filename.
func writeArchive(ctx context.Context, projectJson []byte, assets []*Asset) ([]byte, error) {
	buffer := &bytes.Buffer{}
	writer := zip.NewWriter(buffer)

	if err := writeMember(writer, ProjectJsonFilename, projectJson); err != nil {
		return nil, err
	}

	written := map[string]bool{}
	filenames := []string{}
	bodies := map[string][]byte{}
	for _, asset := range assets {
		data, err := asset.Data(ctx)
		if err != nil {
			return nil, err
		}
		filename := asset.Filename()
		if written[filename] {
			continue
		}
		written[filename] = true
		filenames = append(filenames, filename)
		bodies[filename] = data
	}
	slices.Sort(filenames)
	for _, filename := range filenames {
		if err := writeMember(writer, filename, bodies[filename]); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func writeMember(writer *zip.Writer, filename string, data []byte) error {
	w, err := writer.CreateHeader(&zip.FileHeader{
		Name:   filename,
		Method: zip.Deflate,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
