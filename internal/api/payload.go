package api

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/workspace-sync/internal/document"
)

const maxPayloadBytes = 8 << 20

// EncodeSnapshotPayload renders doc as a share string: base64url of the
// gzip-compressed JSON document.
func EncodeSnapshotPayload(doc document.Doc) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeSnapshotPayload reverses EncodeSnapshotPayload and validates the
// resulting document. Padded input is accepted.
func DecodeSnapshotPayload(payload string) (document.Doc, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return document.Doc{}, fmt.Errorf("decode base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return document.Doc{}, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxPayloadBytes+1))
	if err != nil {
		return document.Doc{}, fmt.Errorf("inflate: %w", err)
	}
	if len(raw) > maxPayloadBytes {
		return document.Doc{}, fmt.Errorf("snapshot payload exceeds %d bytes", maxPayloadBytes)
	}

	var doc document.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document.Doc{}, fmt.Errorf("decode document: %w", err)
	}
	if err := document.ValidateDoc(doc); err != nil {
		return document.Doc{}, err
	}
	return doc, nil
}
