// Package viz renders a list document's change history as a graph, one node per change labelled
// with the order as it stood after that change.
package viz

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-tasklists/pkg/crdt"
)

// Format selects the output of Render.
type Format string

const (
	FormatSVG Format = "svg"
	FormatDot Format = "dot"
)

// ParseFormat accepts svg or dot.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case FormatSVG, FormatDot:
		return Format(raw), nil
	}
	return "", fmt.Errorf("unsupported format %q, expected svg or dot", raw)
}

// ActorName decodes an actor id back to the device name it was derived from, falling back to
// a short form of the raw id.
func ActorName(actor string) string {
	raw, err := hex.DecodeString(actor)
	if err == nil && len(raw) > 0 {
		printable := true
		for _, r := range string(raw) {
			if !unicode.IsPrint(r) {
				printable = false
				break
			}
		}
		if printable {
			return string(raw)
		}
	}
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}

func label(change crdt.Change) string {
	encoded, _ := json.Marshal(change.Order)
	short := change.Hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s %s@%d %s", short, ActorName(change.Actor), change.Seq, string(encoded))
}

// Render writes history to w in the given format.
func Render(history []crdt.Change, format Format, w io.Writer) error {
	if format == FormatDot {
		return WriteDot(history, w)
	}
	return RenderSVG(history, w)
}

// WriteDot writes history as Graphviz dot source.
func WriteDot(history []crdt.Change, w io.Writer) error {
	var buff bytes.Buffer
	buff.WriteString("digraph \"log\" {\n")
	for _, change := range history {
		fmt.Fprintf(&buff, "    %q [label=%q]\n", change.Hash, label(change))
		for _, dep := range change.Dependencies {
			fmt.Fprintf(&buff, "    %q -> %q\n", dep, change.Hash)
		}
	}
	buff.WriteString("}\n")
	_, err := w.Write(buff.Bytes())
	return err
}

// RenderSVG lays history out with graphviz and writes the SVG to w.
func RenderSVG(history []crdt.Change, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(history))
	edgeCounter := 0
	for _, change := range history {
		n, err := graph.CreateNode(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(change))
		nodeMap[change.Hash] = n

		for _, dep := range change.Dependencies {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToFile renders doc's history into outputPath.
func RenderToFile(doc *crdt.Document, format Format, outputPath string) error {
	history, err := doc.History()
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := Render(history, format, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
