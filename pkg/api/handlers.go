package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mnohosten/columnstore/pkg/batch"
	"github.com/mnohosten/columnstore/pkg/cf"
	"github.com/mnohosten/columnstore/pkg/errs"
	"github.com/mnohosten/columnstore/pkg/filter"
)

func parseJSONBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

// writeError maps an engine error to an HTTP status via its errs.Kind.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindInvalidArgument:
		status = http.StatusBadRequest
	case errs.KindBusy:
		status = http.StatusConflict
	case errs.KindIO, errs.KindCorrupt:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	})
}

func (s *Server) cfEngine(r *http.Request) (*cf.Engine, error) {
	name := chi.URLParam(r, "cf")
	if name == "" {
		return nil, errs.New(errs.KindInvalidArgument, "column family name is required")
	}
	return s.tbl.ColumnFamily(name)
}

type putRequest struct {
	Row    []byte `json:"row"`
	Column []byte `json:"column"`
	Value  []byte `json:"value"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req putRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := e.Put(req.Row, req.Column, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

type getRequest struct {
	Row         []byte `json:"row"`
	Column      []byte `json:"column"`
	MaxVersions int    `json:"max_versions,omitempty"`
}

type versionResponse struct {
	Timestamp uint64 `json:"timestamp"`
	Value     []byte `json:"value"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req getRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	value, ts, found, err := e.Get(req.Row, req.Column)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		// Absent data (never written, or shadowed by a tombstone) is not
		// an engine error, but the HTTP surface still answers 404 so
		// clients can distinguish "no value" without parsing the body.
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "not found"})
		return
	}
	writeSuccess(w, versionResponse{Timestamp: ts, Value: value})
}

func (s *Server) handleGetVersions(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req getRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	versions, err := e.GetVersions(req.Row, req.Column, req.MaxVersions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, toVersionResponses(versions))
}

func toVersionResponses(versions []cf.Version) []versionResponse {
	out := make([]versionResponse, len(versions))
	for i, v := range versions {
		out[i] = versionResponse{Timestamp: v.Timestamp, Value: v.Value}
	}
	return out
}

type deleteRequest struct {
	Row    []byte `json:"row"`
	Column []byte `json:"column"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req deleteRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := e.Delete(req.Row, req.Column); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

type deleteWithTTLRequest struct {
	Row       []byte `json:"row"`
	Column    []byte `json:"column"`
	TTLMillis uint64 `json:"ttl_millis"`
}

func (s *Server) handleDeleteWithTTL(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req deleteWithTTLRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := e.DeleteWithTTL(req.Row, req.Column, req.TTLMillis); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

type scanRowVersionsRequest struct {
	Row         []byte `json:"row"`
	MaxVersions int    `json:"max_versions,omitempty"`
}

func (s *Server) handleScanRowVersions(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req scanRowVersionsRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cols, err := e.ScanRowVersions(req.Row, req.MaxVersions)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make(map[string][]versionResponse, len(cols))
	for col, versions := range cols {
		resp[col] = toVersionResponses(versions)
	}
	writeSuccess(w, resp)
}

type aggregateRowRequest struct {
	Row          []byte            `json:"row"`
	Filter       *filterRequest    `json:"filter,omitempty"`
	Aggregations map[string]string `json:"aggregations"`
}

type aggregateResponse struct {
	Count   uint64  `json:"count"`
	Numeric float64 `json:"numeric,omitempty"`
	Bytes   []byte  `json:"bytes,omitempty"`
	Invalid uint64  `json:"invalid,omitempty"`
}

var aggByName = map[string]filter.AggKind{
	"count":   filter.Count,
	"sum":     filter.Sum,
	"average": filter.Average,
	"min":     filter.Min,
	"max":     filter.Max,
}

func (s *Server) handleAggregateRow(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req aggregateRowRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	aggs := make(filter.AggregationSet, len(req.Aggregations))
	for col, name := range req.Aggregations {
		kind, ok := aggByName[name]
		if !ok {
			writeError(w, errs.New(errs.KindInvalidArgument, "unknown aggregation: "+name))
			return
		}
		aggs[col] = kind
	}

	var set *filter.Set
	if req.Filter != nil {
		built, err := req.Filter.toSet()
		if err != nil {
			writeError(w, err)
			return
		}
		set = &built
	}

	results, err := e.AggregateRow(req.Row, set, aggs)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make(map[string]aggregateResponse, len(results))
	for col, res := range results {
		resp[col] = aggregateResponse{Count: res.Count, Numeric: res.Numeric, Bytes: res.Bytes, Invalid: res.Invalid}
	}
	writeSuccess(w, resp)
}

// filterRequest is the JSON shape of a filter.Set used by scan_range
// and aggregate_row; the scan_range/stream endpoint takes no filter. It
// carries only leaf-level filters per
// column; composite And/Or/Not trees are a programmatic-API concern
// (pkg/filter) not exposed over this JSON surface.
type filterRequest struct {
	Columns     map[string]leafFilter `json:"columns,omitempty"`
	MinTS       uint64                `json:"min_ts,omitempty"`
	MaxTS       uint64                `json:"max_ts,omitempty"`
	HasMinTS    bool                  `json:"has_min_ts,omitempty"`
	HasMaxTS    bool                  `json:"has_max_ts,omitempty"`
	MaxVersions int                   `json:"max_versions,omitempty"`
}

type leafFilter struct {
	Op      string `json:"op"`
	Operand []byte `json:"operand"`
}

func (f filterRequest) toSet() (filter.Set, error) {
	set := filter.Set{MinTS: f.MinTS, MaxTS: f.MaxTS, HasMinTS: f.HasMinTS, HasMaxTS: f.HasMaxTS, MaxVersions: f.MaxVersions}
	if len(f.Columns) == 0 {
		return set, nil
	}
	set.Columns = make(map[string]filter.Filter, len(f.Columns))
	for col, leaf := range f.Columns {
		op, ok := opByName[leaf.Op]
		if !ok {
			return filter.Set{}, errs.New(errs.KindInvalidArgument, "unknown filter op: "+leaf.Op)
		}
		if op == filter.Regex {
			re, err := filter.NewRegex(string(leaf.Operand))
			if err != nil {
				return filter.Set{}, errs.Wrap(errs.KindInvalidArgument, err)
			}
			set.Columns[col] = re
			continue
		}
		set.Columns[col] = filter.Leaf(op, leaf.Operand)
	}
	return set, nil
}

var opByName = map[string]filter.Op{
	"equal":                 filter.Equal,
	"not_equal":             filter.NotEqual,
	"greater_than":          filter.GreaterThan,
	"greater_than_or_equal": filter.GreaterThanOrEqual,
	"less_than":             filter.LessThan,
	"less_than_or_equal":    filter.LessThanOrEqual,
	"contains":              filter.Contains,
	"starts_with":           filter.StartsWith,
	"ends_with":             filter.EndsWith,
	"regex":                 filter.Regex,
}

type scanRangeRequest struct {
	StartRow    []byte         `json:"start_row"`
	EndRow      []byte         `json:"end_row"`
	MaxVersions int            `json:"max_versions,omitempty"`
	Filter      *filterRequest `json:"filter,omitempty"`
}

type rowResponse struct {
	Row     []byte                       `json:"row"`
	Columns map[string][]versionResponse `json:"columns"`
}

func applyRowFilter(rows []cf.RowResult, set *filter.Set) []rowResponse {
	out := make([]rowResponse, 0, len(rows))
	for _, row := range rows {
		entries := make([]filter.Entry, 0, len(row.Columns))
		for col, versions := range row.Columns {
			for _, v := range versions {
				entries = append(entries, filter.Entry{Column: col, Timestamp: v.Timestamp, Value: v.Value})
			}
		}
		if set != nil {
			entries = set.Apply(entries)
		}
		cols := make(map[string][]versionResponse)
		for _, e := range entries {
			cols[e.Column] = append(cols[e.Column], versionResponse{Timestamp: e.Timestamp, Value: e.Value})
		}
		if len(cols) == 0 {
			continue
		}
		out = append(out, rowResponse{Row: row.Row, Columns: cols})
	}
	return out
}

func (s *Server) handleScanRange(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req scanRangeRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rows, err := e.ScanRange(req.StartRow, req.EndRow, req.MaxVersions)
	if err != nil {
		writeError(w, err)
		return
	}

	var set *filter.Set
	if req.Filter != nil {
		built, err := req.Filter.toSet()
		if err != nil {
			writeError(w, err)
			return
		}
		set = &built
	}
	writeSuccess(w, applyRowFilter(rows, set))
}

type execBatchRequest struct {
	Ops []batchOpRequest `json:"ops"`
}

type batchOpRequest struct {
	Kind      string `json:"kind"`
	Row       []byte `json:"row"`
	Column    []byte `json:"column"`
	Value     []byte `json:"value,omitempty"`
	TTLMillis uint64 `json:"ttl_millis,omitempty"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req execBatchRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	b := batch.New()
	for _, op := range req.Ops {
		switch op.Kind {
		case "put":
			b.Put(op.Row, op.Column, op.Value)
		case "delete":
			b.Delete(op.Row, op.Column)
		case "delete_with_ttl":
			b.DeleteWithTTL(op.Row, op.Column, op.TTLMillis)
		default:
			writeError(w, errs.New(errs.KindInvalidArgument, "unknown batch op kind: "+op.Kind))
			return
		}
	}

	if err := e.ExecuteBatch(b); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := e.Flush(); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := e.Compact(); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}
