package netrec

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/telebrowse/telebrowse/pkg/version"
)

// HAR 1.2 document shapes. Only the fields browsers and viewers actually
// consume are modeled.

type harDoc struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
}

type harNV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Headers     []harNV      `json:"headers"`
	QueryString []harNV      `json:"queryString"`
	Cookies     []harNV      `json:"cookies"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
	PostData    *harPostData `json:"postData,omitempty"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harResponse struct {
	Status      int        `json:"status"`
	StatusText  string     `json:"statusText"`
	HTTPVersion string     `json:"httpVersion"`
	Headers     []harNV    `json:"headers"`
	Cookies     []harNV    `json:"cookies"`
	Content     harContent `json:"content"`
	RedirectURL string     `json:"redirectURL"`
	HeadersSize int        `json:"headersSize"`
	BodySize    int64      `json:"bodySize"`
}

type harContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// ExportHAR renders the captured traffic as a HAR 1.2 document. Exchanges
// that never received a response are omitted.
func (r *Recorder) ExportHAR() ([]byte, error) {
	entries := r.Entries(Filter{})
	harEntries := make([]harEntry, 0, len(entries))
	for _, e := range entries {
		if e.Status == 0 {
			continue
		}
		harEntries = append(harEntries, toHAREntry(e))
	}
	doc := harDoc{Log: harLog{
		Version: "1.2",
		Creator: harCreator{Name: "telebrowse", Version: version.Version},
		Entries: harEntries,
	}}
	return json.MarshalIndent(doc, "", "  ")
}

// ExportJSON renders the captured entries in the recorder's own format.
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.Entries(Filter{}), "", "  ")
}

func toHAREntry(e Entry) harEntry {
	req := harRequest{
		Method:      e.Method,
		URL:         e.URL,
		HTTPVersion: "HTTP/1.1",
		Headers:     sortedHeaders(e.ReqHeaders),
		QueryString: []harNV{},
		Cookies:     []harNV{},
		HeadersSize: -1,
		BodySize:    len(e.PostData),
	}
	if e.PostData != "" {
		mime := headerValue(e.ReqHeaders, "content-type")
		if mime == "" {
			mime = "application/octet-stream"
		}
		req.PostData = &harPostData{MimeType: mime, Text: e.PostData}
	}

	content := harContent{Size: e.ContentLength, MimeType: e.MimeType}
	if e.Body != "" {
		content.Text = e.Body
		if e.BodyBase64 {
			content.Encoding = "base64"
		}
		if content.Size == 0 {
			content.Size = int64(len(e.Body))
		}
	}

	resp := harResponse{
		Status:      e.Status,
		StatusText:  e.StatusText,
		HTTPVersion: "HTTP/1.1",
		Headers:     sortedHeaders(e.RespHeaders),
		Cookies:     []harNV{},
		Content:     content,
		HeadersSize: -1,
		BodySize:    e.ContentLength,
	}

	ms := float64(e.Duration) / float64(time.Millisecond)
	return harEntry{
		StartedDateTime: e.StartedAt.UTC().Format(time.RFC3339Nano),
		Time:            ms,
		Request:         req,
		Response:        resp,
		Timings:         harTimings{Send: 0, Wait: ms, Receive: 0},
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
