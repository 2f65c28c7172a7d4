package replicate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/document"
	multipartcodec "github.com/edirooss/litedb/internal/multipart"
	"github.com/edirooss/litedb/internal/revstore"
)

// fakePeer serves just enough of the wire protocol, backed by a
// real revstore.Store to exercise a Replicator end to end in-process,
// without a live second litedb instance.
type fakePeer struct {
	store *revstore.Store
	srv   *httptest.Server
	local map[string]Checkpoint
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	store, err := revstore.Open(zap.NewNop(), filepath.Join(t.TempDir(), "peer"), revstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := &fakePeer{store: store, local: make(map[string]Checkpoint)}
	mux := http.NewServeMux()
	mux.HandleFunc("/_changes", p.handleChanges)
	mux.HandleFunc("/_revs_diff", p.handleRevsDiff)
	mux.HandleFunc("/_local/", p.handleLocal)
	mux.HandleFunc("/", p.handleDoc)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}
	changes, _, err := p.store.ChangesSince(since, nil, nil, 0, false)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	for _, c := range changes {
		rec := map[string]any{
			"seq": c.Sequence,
			"id":  c.DocID,
			"changes": []map[string]string{
				{"rev": c.Revision.ID},
			},
			"deleted": c.Revision.Deleted,
		}
		raw, _ := json.Marshal(rec)
		w.Write(raw)
		w.Write([]byte("\n"))
	}
}

func (p *fakePeer) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var want []revstore.DocRev
	for docID, revs := range req {
		for _, rev := range revs {
			want = append(want, revstore.DocRev{DocID: docID, RevID: rev})
		}
	}
	missing := p.store.FindMissing(want)
	out := make(map[string]map[string][]string)
	for _, m := range missing {
		if out[m.DocID] == nil {
			out[m.DocID] = map[string][]string{}
		}
		out[m.DocID]["missing"] = append(out[m.DocID]["missing"], m.RevID)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (p *fakePeer) handleLocal(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/_local/"):]
	switch r.Method {
	case http.MethodGet:
		cp, ok := p.local[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(cp)
	case http.MethodPut:
		var cp Checkpoint
		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		p.local[id] = cp
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (p *fakePeer) handleDoc(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Path[1:]
	switch r.Method {
	case http.MethodGet:
		rev := r.URL.Query().Get("rev")
		revision, err := p.store.GetRevision(docID, rev)
		if err != nil {
			http.Error(w, err.Error(), 404)
			return
		}
		history, err := p.store.GetRevisionHistory(docID, rev)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		body := revision.Body.Clone()
		body[document.KeyID] = docID
		body[document.KeyRev] = rev
		if revision.Deleted {
			body[document.KeyDeleted] = true
		}
		ids := make([]string, len(history))
		for i, h := range history {
			_, hash, _ := strings.Cut(h.ID, "-")
			ids[i] = hash
		}
		body[document.KeyRevisions] = map[string]any{"start": revision.Generation, "ids": ids}

		if len(revision.Attachments) > 0 {
			attMeta := make(map[string]multipartcodec.AttachmentMeta, len(revision.Attachments))
			attData := make(map[string][]byte, len(revision.Attachments))
			stubs := make(map[string]document.AttachmentStub, len(revision.Attachments))
			for name, a := range revision.Attachments {
				attMeta[name] = multipartcodec.AttachmentMeta{ContentType: a.ContentType, Digest: a.Digest, RevPos: a.RevPos}
				stubs[name] = document.AttachmentStub{Stub: true, RevPos: a.RevPos, Digest: string(a.Digest), Length: a.Length, ContentType: a.ContentType}
				rc, err := p.store.Blobs().Get(a.Digest)
				if err != nil {
					http.Error(w, err.Error(), 500)
					return
				}
				data, err := readAllClose(rc)
				if err != nil {
					http.Error(w, err.Error(), 500)
					return
				}
				attData[name] = data
			}
			body[document.KeyAtts] = stubs
			var buf bytes.Buffer
			contentType, err := multipartcodec.Write(&buf, body, attData, attMeta, 0)
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Write(buf.Bytes())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)

	case http.MethodPut:
		contentType := r.Header.Get("Content-Type")
		var body document.Body
		var err error
		if strings.HasPrefix(contentType, "multipart") {
			body, err = multipartcodec.Read(r.Body, contentType, p.store.Blobs())
		} else {
			err = json.NewDecoder(r.Body).Decode(&body)
		}
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		rev, _ := body[document.KeyRev].(string)
		deleted, _ := body[document.KeyDeleted].(bool)
		ancestorIDs, generation := parseRevisions(body)
		_ = generation
		atts, _ := attachmentsFromStubs(body, 0)
		delete(body, document.KeyRevisions)
		body = document.StripReserved(body)

		_, err = p.store.ForceInsert(revstore.ForceInsertInput{
			DocID: docID, RevID: rev, Deleted: deleted, Body: body,
			Attachments: atts, AncestorIDs: ancestorIDs,
		})
		if err != nil {
			http.Error(w, err.Error(), 409)
			return
		}
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (p *fakePeer) url() string { return p.srv.URL }
