package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadDocument uploads size bytes from r as a new document in folderID.
// onProgress, if set, is called as the request body streams; its final call
// has LoadedBytes == TotalBytes. Uploads are never retried.
func (c *Client) UploadDocument(ctx context.Context, folderID int64, r io.Reader, size int64,
	meta protocol.UploadMetadata, onProgress func(protocol.Progress)) (protocol.Result[*models.Node], error) {

	if meta.OrigFileName == "" {
		meta.OrigFileName = meta.Name
	}
	if meta.Name == "" {
		meta.Name = meta.OrigFileName
	}
	if meta.Name == "" {
		return protocol.Fail[*models.Node]("document name is required"), nil
	}

	head, tail, contentType, err := multipartFrame(meta)
	if err != nil {
		return protocol.Result[*models.Node]{}, err
	}
	total := int64(head.Len()) + size + int64(tail.Len())

	// The body can only be streamed once.
	used := false
	body := func() (io.Reader, error) {
		if used {
			return nil, fmt.Errorf("upload body already consumed")
		}
		used = true
		var src io.Reader = io.MultiReader(head, io.LimitReader(r, size), tail)
		if onProgress != nil {
			src = &progressReader{r: src, total: total, fn: onProgress}
		}
		return src, nil
	}

	res, err := invoke(ctx, c, request{
		op:          "upload_document",
		method:      http.MethodPost,
		path:        idPath("/folder/%s/document", folderID),
		body:        body,
		contentType: contentType,
		length:      total,
	}, decodeNode(&folderID))
	metrics.RecordContentUpload(size, err == nil && res.Success)
	return res, err
}

// multipartFrame renders everything around the file bytes, so the request
// has an exact Content-Length without buffering the file.
func multipartFrame(meta protocol.UploadMetadata) (head, tail *bytes.Buffer, contentType string, err error) {
	head = &bytes.Buffer{}
	w := multipart.NewWriter(head)

	fields := [][2]string{
		{"docname", meta.Name},
		{"origfilename", meta.OrigFileName},
		{"comment", meta.Comment},
		{"keywords", meta.Keywords},
		{"sequence", meta.Sequence},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`,
		quoteEscaper.Replace(meta.OrigFileName)))
	fileType := mime.TypeByExtension(filepath.Ext(meta.OrigFileName))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	h.Set("Content-Type", fileType)
	if _, err := w.CreatePart(h); err != nil {
		return nil, nil, "", err
	}

	// Close writes the closing boundary; move it to the tail.
	mark := head.Len()
	if err := w.Close(); err != nil {
		return nil, nil, "", err
	}
	tail = bytes.NewBuffer(append([]byte(nil), head.Bytes()[mark:]...))
	head.Truncate(mark)
	return head, tail, w.FormDataContentType(), nil
}

type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     func(protocol.Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(protocol.Progress{LoadedBytes: p.loaded, TotalBytes: p.total})
	}
	return n, err
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
