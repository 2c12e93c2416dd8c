package admin

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/runestone/pkg/graph"
)

// CSV layouts:
//
//	nodes: id,labels,props      labels joined with ";", props as JSON
//	edges: id,src,dst,type,props
//
// Import remaps ids: rows get fresh ids from the engine's counters and
// edge endpoints are translated through the mapping, so an export can
// be loaded into a non-empty database.

// ExportNodes writes every visible node to w.
func ExportNodes(g *graph.Graph, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "labels", "props"}); err != nil {
		return err
	}
	err := g.Nodes(func(n *graph.Node) error {
		props, err := marshalProps(n.Props)
		if err != nil {
			return err
		}
		return cw.Write([]string{
			strconv.FormatUint(n.ID, 10),
			strings.Join(n.Labels, ";"),
			props,
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// ExportEdges writes every visible edge to w.
func ExportEdges(g *graph.Graph, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "src", "dst", "type", "props"}); err != nil {
		return err
	}
	err := g.Edges(func(e *graph.Edge) error {
		props, err := marshalProps(e.Props)
		if err != nil {
			return err
		}
		return cw.Write([]string{
			strconv.FormatUint(e.ID, 10),
			strconv.FormatUint(e.Src, 10),
			strconv.FormatUint(e.Dst, 10),
			e.Type,
			props,
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// ImportResult reports what one import loaded.
type ImportResult struct {
	Nodes int
	Edges int
	// IDMap translates exported node ids to the ids assigned on load.
	IDMap map[uint64]uint64
}

// Import loads a node CSV and an optional edge CSV (nil skips edges) in
// one transaction.
func Import(ctx context.Context, g *graph.Graph, nodes, edges io.Reader) (*ImportResult, error) {
	tx, err := g.Begin(ctx)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{IDMap: make(map[uint64]uint64)}
	if err := importNodes(tx, nodes, res); err != nil {
		tx.Abort()
		return nil, err
	}
	if edges != nil {
		if err := importEdges(tx, edges, res); err != nil {
			tx.Abort()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func importNodes(tx *graph.Tx, r io.Reader, res *ImportResult) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("admin: node csv header: %w", err)
	}
	if len(header) != 3 || header[0] != "id" {
		return fmt.Errorf("admin: unexpected node csv header %v", header)
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		oldID, err := strconv.ParseUint(rec[0], 10, 64)
		if err != nil {
			return fmt.Errorf("admin: node id %q: %w", rec[0], err)
		}
		var labels []string
		if rec[1] != "" {
			labels = strings.Split(rec[1], ";")
		}
		props, err := unmarshalProps(rec[2])
		if err != nil {
			return err
		}
		newID, err := tx.CreateNode(labels, props)
		if err != nil {
			return err
		}
		res.IDMap[oldID] = newID
		res.Nodes++
	}
}

func importEdges(tx *graph.Tx, r io.Reader, res *ImportResult) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("admin: edge csv header: %w", err)
	}
	if len(header) != 5 || header[0] != "id" {
		return fmt.Errorf("admin: unexpected edge csv header %v", header)
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		src, err := strconv.ParseUint(rec[1], 10, 64)
		if err != nil {
			return fmt.Errorf("admin: edge src %q: %w", rec[1], err)
		}
		dst, err := strconv.ParseUint(rec[2], 10, 64)
		if err != nil {
			return fmt.Errorf("admin: edge dst %q: %w", rec[2], err)
		}
		newSrc, ok := res.IDMap[src]
		if !ok {
			return fmt.Errorf("admin: edge references node %d not present in node csv", src)
		}
		newDst, ok := res.IDMap[dst]
		if !ok {
			return fmt.Errorf("admin: edge references node %d not present in node csv", dst)
		}
		props, err := unmarshalProps(rec[4])
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(newSrc, newDst, rec[3], props); err != nil {
			return err
		}
		res.Edges++
	}
}

// jsonValue is the typed wire form of one property in the props column.
type jsonValue struct {
	Kind string          `json:"k"`
	Val  json.RawMessage `json:"v,omitempty"`
}

func marshalProps(p graph.Props) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	out := make(map[string]jsonValue, len(p))
	for name, v := range p {
		jv := jsonValue{Kind: v.Kind.String()}
		var raw any
		switch v.Kind {
		case graph.KindNull:
			out[name] = jv
			continue
		case graph.KindBool:
			raw = v.B
		case graph.KindInt:
			raw = v.I
		case graph.KindFloat:
			raw = v.F
		case graph.KindString:
			raw = v.S
		case graph.KindBytes:
			raw = base64.StdEncoding.EncodeToString(v.Bytes)
		case graph.KindDate, graph.KindDateTime:
			raw = v.Time().Format(time.RFC3339)
		}
		enc, err := json.Marshal(raw)
		if err != nil {
			return "", err
		}
		jv.Val = enc
		out[name] = jv
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func unmarshalProps(s string) (graph.Props, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var raw map[string]jsonValue
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("admin: props column: %w", err)
	}
	out := make(graph.Props, len(raw))
	for name, jv := range raw {
		switch jv.Kind {
		case "null":
			out[name] = graph.Null()
		case "bool":
			var v bool
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			out[name] = graph.Bool(v)
		case "int":
			var v int64
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			out[name] = graph.Int(v)
		case "float":
			var v float64
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			out[name] = graph.Float(v)
		case "string":
			var v string
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			out[name] = graph.String(v)
		case "bytes":
			var v string
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			decoded, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, err
			}
			out[name] = graph.BytesValue(decoded)
		case "date", "datetime":
			var v string
			if err := json.Unmarshal(jv.Val, &v); err != nil {
				return nil, err
			}
			when, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, err
			}
			if jv.Kind == "date" {
				out[name] = graph.Date(when)
			} else {
				out[name] = graph.DateTime(when)
			}
		default:
			return nil, fmt.Errorf("admin: unknown property kind %q", jv.Kind)
		}
	}
	return out, nil
}
