package couchdb

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// AttachmentName is the attachment that carries a document's payload.
const AttachmentName = "file"

const designPrefix = "_design/"

// DBInfo is the subset of `GET /{db}` the client uses.
type DBInfo struct {
	Name     string `json:"db_name"`
	DocCount int64  `json:"doc_count"`
}

type attachmentStub struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
}

type allDocsResponse struct {
	TotalRows int `json:"total_rows"`
	Rows      []struct {
		ID    string `json:"id"`
		Value struct {
			Rev string `json:"rev"`
		} `json:"value"`
		Doc *struct {
			Attachments map[string]attachmentStub `json:"_attachments"`
		} `json:"doc"`
	} `json:"rows"`
}

type putResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// seqString normalises a sequence that is a string on CouchDB 2+ and a
// number on 1.x.
func seqString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}

// digestToHex converts an `md5-<base64>` attachment digest into the hex
// form used for local fingerprints. Other digest kinds yield "".
func digestToHex(digest string) string {
	encoded, ok := strings.CutPrefix(digest, "md5-")
	if !ok {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}
