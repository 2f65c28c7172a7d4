package replicate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/dberrors"
	"github.com/edirooss/litedb/internal/document"
	multipartcodec "github.com/edirooss/litedb/internal/multipart"
	"github.com/edirooss/litedb/internal/revstore"
	"github.com/edirooss/litedb/pkg/blobstore"
)

// client is the wire-protocol HTTP client a Replicator uses to talk to the
// peer side of a replication: the subset of the CouchDB HTTP API that a
// replicator consumes (`_revs_diff`, per-document GET/PUT, `_local`). The
// remote change feed itself is handled separately, by internal/changetracker.
type client struct {
	log  *zap.Logger
	base string
	http *http.Client
	auth Authorizer

	retriedAuth bool
}

func newClient(log *zap.Logger, baseURL string, timeout time.Duration, auth Authorizer) *client {
	if auth == nil {
		auth = NoAuthorizer{}
	}
	return &client{
		log:  log.Named("replicate.client"),
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		auth: auth,
	}
}

// do issues req, consulting the authorizer on 401 and retrying exactly once
// after a credential refresh, the same policy internal/changetracker
// applies to the change feed connection itself.
func (c *client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.auth.Authorize(req); err != nil {
		return nil, fmt.Errorf("%w: authorize: %v", dberrors.ErrUpstream, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrIO, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if c.retriedAuth {
		return nil, fmt.Errorf("%w: 401 unauthorized after credential refresh", dberrors.ErrUpstream)
	}
	if err := c.auth.RefreshCredentials(ctx); err != nil {
		return nil, fmt.Errorf("%w: refresh credentials: %v", dberrors.ErrUpstream, err)
	}
	c.retriedAuth = true

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewind request body: %v", dberrors.ErrIO, err)
		}
		retry.Body = body
	}
	if err := c.auth.Authorize(retry); err != nil {
		return nil, fmt.Errorf("%w: authorize retry: %v", dberrors.ErrUpstream, err)
	}
	resp, err = c.http.Do(retry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrIO, err)
	}
	return resp, nil
}

// RevsDiff asks the peer which of the given (docid, revid) pairs it already
// has, via POST {db}/_revs_diff, and returns the subset it lacks.
func (c *client) RevsDiff(ctx context.Context, revs []revstore.DocRev) ([]revstore.DocRev, error) {
	byDoc := make(map[string][]string)
	for _, r := range revs {
		byDoc[r.DocID] = append(byDoc[r.DocID], r.RevID)
	}
	reqBody, err := json.Marshal(byDoc)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal revs_diff request: %v", dberrors.ErrCodec, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/_revs_diff", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: _revs_diff returned %d", dberrors.ErrUpstream, resp.StatusCode)
	}

	var out map[string]struct {
		Missing []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode revs_diff response: %v", dberrors.ErrCodec, err)
	}

	var missing []revstore.DocRev
	for docID, m := range out {
		for _, rev := range m.Missing {
			missing = append(missing, revstore.DocRev{DocID: docID, RevID: rev})
		}
	}
	return missing, nil
}

// fetchedRevision is one revision pulled from the peer, ready to force-insert.
type fetchedRevision struct {
	DocID       string
	RevID       string
	Deleted     bool
	Body        document.Body
	Attachments map[string]revstore.Attachment
	AncestorIDs []string
}

// revisionsStub is the `_revisions` object a multipart document part carries,
// giving the ancestor chain: generation of the newest id plus every
// revision-id hash from newest to oldest.
type revisionsStub struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

// GetRevision fetches one revision of docID from the peer via
// `GET {db}/{docid}?rev=R&revs=true&attachments=true`, streaming any
// attachments directly into blobs.
func (c *client) GetRevision(ctx context.Context, docID, rev string, blobs *blobstore.Store) (*fetchedRevision, error) {
	u, err := url.Parse(c.base + "/" + url.PathEscape(docID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	q := u.Query()
	q.Set("rev", rev)
	q.Set("revs", "true")
	q.Set("attachments", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	req.Header.Set("Accept", "multipart/related, application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: get %s@%s returned %d", dberrors.ErrUpstream, docID, rev, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	var body document.Body
	if strings.HasPrefix(contentType, "multipart/") {
		body, err = multipartcodec.Read(resp.Body, contentType, blobs)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&body)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode revision body: %v", dberrors.ErrCodec, err)
	}

	ancestorIDs, generation := parseRevisions(body)
	deleted, _ := body[document.KeyDeleted].(bool)
	if generation == 0 {
		return nil, fmt.Errorf("%w: revision %s@%s missing _revisions.start", dberrors.ErrCodec, docID, rev)
	}

	atts, err := attachmentsFromStubs(body, generation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrCodec, err)
	}
	delete(body, document.KeyRevisions)
	body = document.StripReserved(body)

	return &fetchedRevision{
		DocID:       docID,
		RevID:       rev,
		Deleted:     deleted,
		Body:        body,
		Attachments: atts,
		AncestorIDs: ancestorIDs,
	}, nil
}

// attachmentsFromStubs converts body's `_attachments` stubs (already
// rewritten by multipart.Read to reference stored digests) into the
// revision-local Attachment linkage records ForceInsert expects.
func attachmentsFromStubs(body document.Body, generation int) (map[string]revstore.Attachment, error) {
	stubs, err := document.Attachments(body)
	if err != nil || len(stubs) == 0 {
		return nil, err
	}
	out := make(map[string]revstore.Attachment, len(stubs))
	for name, stub := range stubs {
		revPos := stub.RevPos
		if revPos == 0 {
			revPos = generation
		}
		out[name] = revstore.Attachment{
			Name:          name,
			ContentType:   stub.ContentType,
			Length:        stub.Length,
			Digest:        blobstore.Digest(stub.Digest),
			RevPos:        revPos,
			Encoding:      stub.Encoding,
			EncodedLength: stub.EncodedLength,
		}
	}
	return out, nil
}

// parseRevisions reads body's `_revisions` stub ({start, ids}) and returns
// the ancestor chain from root to direct parent, oldest first, plus the
// revision's generation.
func parseRevisions(body document.Body) (ancestorIDs []string, generation int) {
	raw, ok := body[document.KeyRevisions]
	if !ok {
		return nil, 0
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, 0
	}
	var stub revisionsStub
	if err := json.Unmarshal(encoded, &stub); err != nil {
		return nil, 0
	}
	if stub.Start == 0 || len(stub.IDs) == 0 {
		return nil, 0
	}
	// stub.IDs is newest-first (the revision itself, then its ancestors);
	// AncestorIDs wants root-first excluding the revision itself.
	hashes := stub.IDs[1:]
	ancestorIDs = make([]string, len(hashes))
	gen := stub.Start - 1
	for i, h := range hashes {
		ancestorIDs[len(hashes)-1-i] = strconv.Itoa(gen) + "-" + h
		gen--
	}
	return ancestorIDs, stub.Start
}

// PutRevision uploads a revision to the peer via
// `PUT {db}/{docid}?new_edits=false`, multipart-encoded when it carries
// attachment bytes.
func (c *client) PutRevision(ctx context.Context, rev *revstore.Revision, history []*revstore.Revision, attachmentData map[string][]byte) error {
	body := rev.Body.Clone()
	body[document.KeyID] = rev.DocID
	body[document.KeyRev] = rev.ID
	if rev.Deleted {
		body[document.KeyDeleted] = true
	}
	body[document.KeyRevisions] = revisionsStubFromHistory(history)

	u := c.base + "/" + url.PathEscape(rev.DocID) + "?new_edits=false"

	var reqBody bytes.Buffer
	contentType := "application/json"
	if len(attachmentData) > 0 {
		attMeta := make(map[string]multipartcodec.AttachmentMeta, len(rev.Attachments))
		stubs := make(map[string]document.AttachmentStub, len(rev.Attachments))
		for name, a := range rev.Attachments {
			attMeta[name] = multipartcodec.AttachmentMeta{ContentType: a.ContentType, Digest: a.Digest, RevPos: a.RevPos}
			stubs[name] = document.AttachmentStub{
				Stub: true, RevPos: a.RevPos, Digest: string(a.Digest),
				Length: a.Length, ContentType: a.ContentType,
				Encoding: a.Encoding, EncodedLength: a.EncodedLength,
			}
		}
		body[document.KeyAtts] = stubs

		var err error
		contentType, err = multipartcodec.Write(&reqBody, body, attachmentData, attMeta, 0)
		if err != nil {
			return fmt.Errorf("encode multipart revision: %w", err)
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal revision: %v", dberrors.ErrCodec, err)
		}
		reqBody.Write(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(reqBody.Bytes()))
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	req.Header.Set("Content-Type", contentType)
	buf := reqBody.Bytes()
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: put %s@%s returned %d", dberrors.ErrUpstream, rev.DocID, rev.ID, resp.StatusCode)
	}
	return nil
}

// revisionsStubFromHistory builds the `_revisions` stub from history (the
// revision itself first, its root ancestor last, as returned by
// revstore.Store.GetRevisionHistory): start is the newest generation, ids is
// every revision's hash suffix from newest to oldest.
func revisionsStubFromHistory(history []*revstore.Revision) revisionsStub {
	if len(history) == 0 {
		return revisionsStub{}
	}
	ids := make([]string, len(history))
	for i, r := range history {
		_, hash, _ := strings.Cut(r.ID, "-")
		ids[i] = hash
	}
	return revisionsStub{Start: history[0].Generation, IDs: ids}
}

// GetLocal fetches the checkpoint stored at `{db}/_local/{replicationId}` on
// the peer. A 404 is not an error: it means the peer has no checkpoint yet.
func (c *client) GetLocal(ctx context.Context, replicationID string) (Checkpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/_local/"+url.PathEscape(replicationID), nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return Checkpoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Checkpoint{}, nil
	}
	if resp.StatusCode >= 400 {
		return Checkpoint{}, fmt.Errorf("%w: get _local returned %d", dberrors.ErrUpstream, resp.StatusCode)
	}
	var cp Checkpoint
	if err := json.NewDecoder(resp.Body).Decode(&cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decode checkpoint: %v", dberrors.ErrCodec, err)
	}
	return cp, nil
}

// PutLocal persists cp at `{db}/_local/{replicationId}` on the peer.
func (c *client) PutLocal(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: marshal checkpoint: %v", dberrors.ErrCodec, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/_local/"+url.PathEscape(cp.ReplicationID), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: put _local returned %d", dberrors.ErrUpstream, resp.StatusCode)
	}
	return nil
}
