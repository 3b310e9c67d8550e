// Package pds is a thin XRPC client for the self-hosted PDS, plus the
// lifecycle management of the two bridge accounts that live on it.
package pds

// Session is the result of com.atproto.server.createSession or
// refreshSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// CreateAccountRequest is the body of com.atproto.server.createAccount.
type CreateAccountRequest struct {
	Email      string `json:"email"`
	Handle     string `json:"handle"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// CreateRecordRequest is the body of com.atproto.repo.createRecord.
type CreateRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey,omitempty"`
	Record     interface{} `json:"record"`
}

// CreateRecordResponse is returned by createRecord and putRecord.
type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// PutRecordRequest is the body of com.atproto.repo.putRecord.
type PutRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     interface{} `json:"record"`
}

// DeleteRecordRequest is the body of com.atproto.repo.deleteRecord.
type DeleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// GetRecordResponse is returned by com.atproto.repo.getRecord. Value stays
// raw so callers decode into their own record types.
type GetRecordResponse struct {
	URI   string                 `json:"uri"`
	CID   string                 `json:"cid"`
	Value map[string]interface{} `json:"value"`
}

// BlobRef is the blob handle returned by uploadBlob, embedded verbatim in
// records that reference the blob.
type BlobRef struct {
	Type     string  `json:"$type"`
	Ref      CIDLink `json:"ref"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
}

type CIDLink struct {
	Link string `json:"$link"`
}

// UploadBlobResponse is returned by com.atproto.repo.uploadBlob.
type UploadBlobResponse struct {
	Blob BlobRef `json:"blob"`
}

// DescribeRepoResponse is the subset of com.atproto.repo.describeRepo used.
type DescribeRepoResponse struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// ResolveHandleResponse is returned by com.atproto.identity.resolveHandle.
type ResolveHandleResponse struct {
	DID string `json:"did"`
}

// Profile is the subset of app.bsky.actor.profile skybridge reads.
type Profile struct {
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
}
