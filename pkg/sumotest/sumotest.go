// Package sumotest runs an in-process fake of the Sumo API for tests. It
// registers objects, accepts pre-signed blob PUTs, answers the two search
// shapes the uploader uses, and can be told to fail on demand.
package sumotest

import (
	"crypto/md5" //nolint:gosec // matches the service's Content-MD5
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
)

// DefaultToken is the bearer token a new server accepts.
const DefaultToken = "test-token"

var objectSegment = regexp.MustCompile(`^objects\('([^']+)'\)$`)

// Object is a registered metadata object.
type Object struct {
	ID     string
	Parent string
	Class  string
	Doc    metadata.Document
}

// Fault makes matching requests fail with Status. Path matches as a
// substring of the request path; an empty Method matches any method.
// Times limits how many requests fail; zero fails every match.
type Fault struct {
	Method string
	Path   string
	Status int
	Body   string
	Times  int

	remaining int
	unlimited bool
}

// Server is the fake service. Create it with New.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	tokens       map[string]bool
	objects      map[string]*Object
	order        []string
	blobs        map[string][]byte
	faults       []*Fault
	requests     []string
	containerSAS bool
	omitBlobURL  bool
	badChecksum  bool
	latency      time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		tokens:  map[string]bool{DefaultToken: true},
		objects: make(map[string]*Object, 16),
		blobs:   make(map[string][]byte, 16),
	}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)

	return s
}

// APIURL is the base URL to hand to a connection.
func (s *Server) APIURL() string { return s.URL + "/api/v1" }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.track)
	r.Use(s.injectFaults)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/objects", s.handleCreateCase)
		r.Get("/search", s.handleCount)
		r.Post("/search", s.handleSearchIDs)
		r.Post("/{object}", s.handleCreateChild)
		r.Get("/{object}", s.handleGetObject)
		r.Delete("/{object}", s.handleDeleteObject)
		r.Get("/{object}/blob/authuri", s.handleAuthURI)
	})

	r.Put("/blob/{name}", s.handlePutBlob)

	return r
}

// --- Configuration ---

// AddFault registers a failure rule. Rules are checked in order.
func (s *Server) AddFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.remaining = f.Times
	f.unlimited = f.Times == 0
	s.faults = append(s.faults, &f)
}

// RotateToken makes old tokens invalid and accepts only tok.
func (s *Server) RotateToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = map[string]bool{tok: true}
}

// UseContainerSAS makes registrations return {baseuri, auth} blob locations.
func (s *Server) UseContainerSAS(on bool) { s.set(func() { s.containerSAS = on }) }

// OmitBlobURL makes registrations return only the object id.
func (s *Server) OmitBlobURL(on bool) { s.set(func() { s.omitBlobURL = on }) }

// CorruptChecksums makes blob PUTs acknowledge a wrong Content-MD5.
func (s *Server) CorruptChecksums(on bool) { s.set(func() { s.badChecksum = on }) }

// SetLatency delays every request by d.
func (s *Server) SetLatency(d time.Duration) { s.set(func() { s.latency = d }) }

// Seed registers an object directly, bypassing the API.
func (s *Server) Seed(obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addLocked(&obj)
}

func (s *Server) set(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn()
}

// --- Inspection ---

// Objects returns registered objects in registration order.
func (s *Server) Objects() []Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Object, 0, len(s.order))
	for _, id := range s.order {
		if obj, ok := s.objects[id]; ok {
			out = append(out, *obj)
		}
	}

	return out
}

// Object returns the object with id.
func (s *Server) Object(id string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}

	return *obj, true
}

// CountClass returns how many registered objects have class.
func (s *Server) CountClass(class string) int {
	n := 0

	for _, obj := range s.Objects() {
		if obj.Class == class {
			n++
		}
	}

	return n
}

// Blob returns the bytes stored under name.
func (s *Server) Blob(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[name]

	return b, ok
}

// Requests counts handled requests whose method matches (empty = any) and
// whose path contains pathPart.
func (s *Server) Requests(method, pathPart string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, line := range s.requests {
		m, p, _ := strings.Cut(line, " ")
		if (method == "" || m == method) && strings.Contains(p, pathPart) {
			n++
		}
	}

	return n
}

// MaxInFlight is the highest number of requests served concurrently.
func (s *Server) MaxInFlight() int64 { return s.maxInFlight.Load() }

// --- Middleware ---

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)

		for {
			peak := s.maxInFlight.Load()
			if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		latency := s.latency
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f := s.matchFault(r); f != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.Status)
			_, _ = io.WriteString(w, f.Body)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) matchFault(r *http.Request) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.faults {
		if f.Method != "" && f.Method != r.Method {
			continue
		}

		if !strings.Contains(r.URL.Path, f.Path) {
			continue
		}

		if f.unlimited {
			return f
		}

		if f.remaining > 0 {
			f.remaining--

			return f
		}
	}

	return nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		ok := s.tokens[tok]
		s.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}

	if doc.Class() != metadata.ClassCase {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected class case"})

		return
	}

	id := doc.String("fmu.case.uuid")
	if id == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "missing fmu.case.uuid"})

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[id]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"objectid": id})

		return
	}

	s.addLocked(&Object{ID: id, Class: metadata.ClassCase, Doc: doc})
	writeJSON(w, http.StatusOK, map[string]string{"objectid": id})
}

func (s *Server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	parent, ok := objectID(w, r)
	if !ok {
		return
	}

	doc, ok := readDocument(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[parent]; !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "parent not found"})

		return
	}

	class := doc.Class()

	var id string

	switch class {
	case metadata.ClassRealization:
		id = doc.String("fmu.realization.uuid")
	case metadata.ClassIteration:
		id = doc.String("fmu.iteration.uuid")
	case "":
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing class"})

		return
	default:
		if existing := s.findFileLocked(parent, doc.String("file.relative_path")); existing != "" {
			writeJSON(w, http.StatusConflict, map[string]string{"objectid": existing})

			return
		}

		id = uuid.NewString()
	}

	if id == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "missing object uuid"})

		return
	}

	if _, exists := s.objects[id]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"objectid": id})

		return
	}

	s.addLocked(&Object{ID: id, Parent: parent, Class: class, Doc: doc})

	resp := map[string]any{"objectid": id}

	switch {
	case class == metadata.ClassRealization, class == metadata.ClassIteration, s.omitBlobURL:
	case s.containerSAS:
		resp["blob_url"] = map[string]string{
			"baseuri": s.URL + "/blob/",
			"auth":    "sv=test&sig=fake",
		}
	default:
		resp["blob_url"] = s.blobURL(id)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id, ok := objectID(w, r)
	if !ok {
		return
	}

	obj, found := s.Object(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"_id": obj.ID, "_source": obj.Doc})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	id, ok := objectID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[id]; !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})

		return
	}

	delete(s.objects, id)
	delete(s.blobs, id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAuthURI(w http.ResponseWriter, r *http.Request) {
	id, ok := objectID(w, r)
	if !ok {
		return
	}

	if _, found := s.Object(id); !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})

		return
	}

	writeJSON(w, http.StatusOK, s.blobURL(id))
}

// handleCount answers GET /search?$query=a:b AND c:d with a hit count.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	terms := strings.Split(r.URL.Query().Get("$query"), " AND ")

	hits := make([]map[string]any, 0, 4)

	for _, obj := range s.Objects() {
		if matches(obj.Doc, terms) {
			hits = append(hits, map[string]any{"_id": obj.ID, "_source": obj.Doc})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hits": map[string]any{
			"total": map[string]int{"value": len(hits)},
			"hits":  hits,
		},
	})
}

// handleSearchIDs answers an ids query with the class of every known id.
func (s *Server) handleSearchIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query struct {
			IDs struct {
				Values []string `json:"values"`
			} `json:"ids"`
		} `json:"query"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	hits := make([]map[string]any, 0, len(req.Query.IDs.Values))

	for _, id := range req.Query.IDs.Values {
		if obj, ok := s.Object(id); ok {
			hits = append(hits, map[string]any{
				"_id":     obj.ID,
				"_source": map[string]string{"class": obj.Class},
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hits": map[string]any{
			"total": map[string]int{"value": len(hits)},
			"hits":  hits,
		},
	})
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if r.URL.Query().Get("sig") == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing signature"})

		return
	}

	if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported blob type"})

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	sum := md5.Sum(body) //nolint:gosec // see import

	s.mu.Lock()
	s.blobs[name] = body
	bad := s.badChecksum
	s.mu.Unlock()

	if bad {
		sum[0] ^= 0xff
	}

	w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	w.WriteHeader(http.StatusCreated)
}

// --- Helpers ---

func (s *Server) addLocked(obj *Object) {
	if _, exists := s.objects[obj.ID]; !exists {
		s.order = append(s.order, obj.ID)
	}

	s.objects[obj.ID] = obj
}

func (s *Server) findFileLocked(parent, relPath string) string {
	if relPath == "" {
		return ""
	}

	for _, id := range s.order {
		obj, ok := s.objects[id]
		if ok && obj.Parent == parent && obj.Doc.String("file.relative_path") == relPath {
			return id
		}
	}

	return ""
}

func (s *Server) blobURL(id string) string {
	return s.URL + "/blob/" + id + "?sv=test&sig=fake"
}

func matches(doc metadata.Document, terms []string) bool {
	for _, term := range terms {
		field, value, ok := strings.Cut(strings.TrimSpace(term), ":")
		if !ok || doc.String(field) != value {
			return false
		}
	}

	return true
}

func objectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	seg, err := url.PathUnescape(chi.URLParam(r, "object"))
	if err != nil {
		seg = chi.URLParam(r, "object")
	}

	m := objectSegment.FindStringSubmatch(seg)
	if m == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown path"})

		return "", false
	}

	return m[1], true
}

func readDocument(w http.ResponseWriter, r *http.Request) (metadata.Document, bool) {
	var doc metadata.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return nil, false
	}

	return doc, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}
