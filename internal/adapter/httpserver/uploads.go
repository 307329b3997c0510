package httpserver

import (
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// uploadField is the multipart part name carrying user files.
const uploadField = "files"

// saveUploadedFiles stores every uploaded file under dir with a fresh
// random name, preserving the original extension. A part that cannot be
// saved is skipped with a warning so one bad file does not sink the whole
// submission. Returned paths are absolute.
func saveUploadedFiles(form *multipart.Form, dir string) []string {
	if form == nil || len(form.File[uploadField]) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("upload dir not writable", slog.String("dir", dir), slog.Any("error", err))
		return nil
	}
	paths := make([]string, 0, len(form.File[uploadField]))
	for _, fh := range form.File[uploadField] {
		p, err := saveOne(fh, dir)
		if err != nil {
			slog.Warn("uploaded file skipped", slog.String("filename", fh.Filename), slog.Any("error", err))
			continue
		}
		slog.Info("uploaded file stored", slog.String("filename", fh.Filename), slog.String("path", p))
		paths = append(paths, p)
	}
	return paths
}

func saveOne(fh *multipart.FileHeader, dir string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}

	ext := strings.TrimPrefix(filepath.Ext(fh.Filename), ".")
	if ext == "" {
		// No usable extension in the client name; sniff the content.
		ext = strings.TrimPrefix(mimetype.Detect(data).Extension(), ".")
	}
	if ext == "" {
		ext = "tmp"
	}

	path := filepath.Join(dir, uuid.New().String()+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return filepath.Abs(path)
}
