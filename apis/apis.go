// Package apis holds the wire DTOs for the upload, completion and listing
// endpoints (spec.md §6.1). These are hand-written rather than generated;
// SPEC_FULL.md §3 records why a code-generator is out of scope here.
package apis

// ObjectEntry is the minimum shape of one bucket-listing record
// (spec.md §6.1 "ObjectEntry").
type ObjectEntry struct {
	Key      string          `json:"key"`
	Hash     string          `json:"hash"`
	FSize    int64           `json:"fsize"`
	PutTime  int64           `json:"putTime"`
	MimeType string          `json:"mimeType"`
	Parts    []int64         `json:"parts,omitempty"`
	Type     int             `json:"type,omitempty"`
	EndUser  string          `json:"endUser,omitempty"`
}

// ErrorBody is the JSON shape of every 4xx/5xx response
// (spec.md §6.1 "Error body").
type ErrorBody struct {
	Error string `json:"error"`
}

// V1MkblkResponse is the response to POST {up}/mkblk/<size>
// (spec.md §6.1 "V1 upload endpoints").
type V1MkblkResponse struct {
	Ctx       string `json:"ctx"`
	Checksum  string `json:"checksum"`
	Offset    int64  `json:"offset"`
	Host      string `json:"host"`
	ExpiredAt int64  `json:"expired_at"`
}

// V1MkfileResponse is the response to POST {up}/mkfile/<size>/....
type V1MkfileResponse struct {
	Hash string `json:"hash"`
	Key  string `json:"key"`
}

// V2InitResponse is the response to POST .../uploads (initiate multipart).
type V2InitResponse struct {
	UploadID string `json:"uploadId"`
	ExpireAt int64  `json:"expireAt"`
}

// V2UploadPartResponse is the response to PUT .../uploads/<id>/<partNumber>.
type V2UploadPartResponse struct {
	Etag string `json:"etag"`
	MD5  string `json:"md5"`
}

// V2CompletedPart is one element of V2CompleteRequest.Parts.
type V2CompletedPart struct {
	Etag       string `json:"etag"`
	PartNumber int64  `json:"partNumber"`
}

// V2CompleteRequest is the body of POST .../uploads/<id> (spec.md §6.1).
type V2CompleteRequest struct {
	Parts      []V2CompletedPart `json:"parts"`
	FileName   string            `json:"fname,omitempty"`
	MimeType   string            `json:"mimeType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CustomVars map[string]string `json:"customVars,omitempty"`
}

// V2CompleteResponse is the service-defined object JSON returned on
// successful completion; only the fields this SDK cares about are typed.
type V2CompleteResponse struct {
	Hash string `json:"hash"`
	Key  string `json:"key"`
}

// ListV1Response is the body of GET {rsf}/list (spec.md §6.1).
type ListV1Response struct {
	Marker string        `json:"marker"`
	Items  []ObjectEntry `json:"items"`
}

// ListV2Record is one newline-delimited-JSON line of GET {rsf}/v2/list.
type ListV2Record struct {
	Item   *ObjectEntry `json:"item,omitempty"`
	Marker string       `json:"marker,omitempty"`
}
