// Package protocol defines the backend's wire types and the uniform result
// envelope returned by every gateway call.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/docbox/pkg/models"
)

// FallbackMessage is surfaced when a failure carries no server message.
const FallbackMessage = "request failed"

// Result is the uniform outcome of a gateway call. Failures are values:
// Success is false, Message explains, Data is the zero value.
type Result[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// OK builds a successful result.
func OK[T any](data T, message string) Result[T] {
	return Result[T]{Success: true, Message: message, Data: data}
}

// Fail builds a failed result. An empty message becomes FallbackMessage.
func Fail[T any](message string) Result[T] {
	if strings.TrimSpace(message) == "" {
		message = FallbackMessage
	}
	return Result[T]{Message: message}
}

// Envelope is the raw {success, message, data} body the backend returns for
// every non-binary endpoint. Data stays raw until success is known, since
// failures put a plain string there.
type Envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HasData reports whether data is present and not null.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// FlexInt decodes an integer sent either as a JSON number or a numeric string.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = FlexInt(i)
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", b)
	}
	*f = FlexInt(int64(fl))
	return nil
}

// FlexString decodes a string sent either as a JSON string or a number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = FlexString(v)
		return nil
	}
	*f = FlexString(s)
	return nil
}

// FlexBool decodes a boolean sent as true/false, 0/1 or "0"/"1".
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(strings.TrimSpace(string(b)), `"`) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

// WireAttribute is a version attribute as sent by the backend.
type WireAttribute struct {
	ID    FlexInt    `json:"id"`
	Value FlexString `json:"value"`
}

// WireNode is a folder or document entry as sent by the backend.
type WireNode struct {
	Type              string          `json:"type"`
	ID                FlexInt         `json:"id"`
	Name              FlexString      `json:"name"`
	Comment           FlexString      `json:"comment"`
	Date              FlexString      `json:"date"`
	Keywords          FlexString      `json:"keywords"`
	OwnerID           FlexInt         `json:"ownerid"`
	IsLocked          FlexBool        `json:"islocked"`
	Sequence          FlexString      `json:"sequence"`
	Expires           FlexString      `json:"expires"`
	MimeType          FlexString      `json:"mimetype"`
	Version           FlexInt         `json:"version"`
	VersionComment    FlexString      `json:"version_comment"`
	VersionDate       FlexString      `json:"version_date"`
	Size              FlexInt         `json:"size"`
	VersionAttributes []WireAttribute `json:"versionAttributes"`
}

// Node normalizes the wire entry. parentID is attached when the entry came
// from a children listing; pass nil otherwise.
func (w WireNode) Node(parentID *int64) (models.Node, error) {
	kind := models.Kind(strings.ToLower(strings.TrimSpace(w.Type)))
	switch kind {
	case models.KindFolder, models.KindDocument:
	default:
		return models.Node{}, fmt.Errorf("unknown entry type %q for id %d", w.Type, int64(w.ID))
	}
	n := models.Node{
		ID:      int64(w.ID),
		Name:    string(w.Name),
		Kind:    kind,
		Comment: string(w.Comment),
		Date:    string(w.Date),
	}
	if parentID != nil {
		p := *parentID
		n.ParentID = &p
	}
	if kind == models.KindDocument {
		n.MimeType = string(w.MimeType)
		n.SizeBytes = int64(w.Size)
		n.IsLocked = bool(w.IsLocked)
		n.Keywords = string(w.Keywords)
		n.OwnerID = int64(w.OwnerID)
		n.Sequence = string(w.Sequence)
		n.Version = int(w.Version)
		n.VersionComment = string(w.VersionComment)
		n.VersionDate = string(w.VersionDate)
		n.Expires = string(w.Expires)
		if len(w.VersionAttributes) > 0 {
			n.VersionAttributes = make([]models.Attribute, len(w.VersionAttributes))
			for i, a := range w.VersionAttributes {
				n.VersionAttributes[i] = models.Attribute{ID: int64(a.ID), Value: string(a.Value)}
			}
		}
	}
	return n, nil
}

// WirePathElement is one breadcrumb step; the backend sends ids as strings.
type WirePathElement struct {
	ID   FlexInt    `json:"id"`
	Name FlexString `json:"name"`
}

// WireRole is an account role.
type WireRole struct {
	ID   FlexString `json:"id"`
	Name FlexString `json:"name"`
}

// WireUser is the account payload of /login and /account.
type WireUser struct {
	Type     FlexString `json:"type"`
	ID       FlexInt    `json:"id"`
	Name     FlexString `json:"name"`
	Comment  FlexString `json:"comment"`
	Login    FlexString `json:"login"`
	Email    FlexString `json:"email"`
	Language FlexString `json:"language"`
	Theme    FlexString `json:"theme"`
	Role     WireRole   `json:"role"`
	Hidden   FlexBool   `json:"hidden"`
	Disabled FlexBool   `json:"disabled"`
	IsGuest  FlexBool   `json:"isguest"`
	IsAdmin  FlexBool   `json:"isadmin"`
}

// User normalizes the wire account.
func (w WireUser) User() models.User {
	return models.User{
		ID:       int64(w.ID),
		Type:     string(w.Type),
		Name:     string(w.Name),
		Login:    string(w.Login),
		Email:    string(w.Email),
		Comment:  string(w.Comment),
		Language: string(w.Language),
		Theme:    string(w.Theme),
		Role:     models.Role{ID: string(w.Role.ID), Name: string(w.Role.Name)},
		Hidden:   bool(w.Hidden),
		Disabled: bool(w.Disabled),
		IsGuest:  bool(w.IsGuest),
		IsAdmin:  bool(w.IsAdmin),
	}
}

// UploadMetadata describes a document upload.
type UploadMetadata struct {
	Name         string // document name shown in listings
	OrigFileName string
	Comment      string
	Keywords     string
	Sequence     string
}

// Progress reports upload progress.
type Progress struct {
	LoadedBytes int64 `json:"loadedBytes"`
	TotalBytes  int64 `json:"totalBytes"`
}

// Percent returns the completed percentage, rounded down.
func (p Progress) Percent() int {
	if p.TotalBytes <= 0 {
		return 0
	}
	return int(p.LoadedBytes * 100 / p.TotalBytes)
}
