// Package definition loads the immutable work-area and packet definitions.
// The document is validated against a JSON Schema, cross-checked for
// referential integrity, and indexed once per process. Nothing here ever
// mutates after Load returns.
package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// ContextManifestEntry names a file an executor must attest to having
// read before claiming the packet.
type ContextManifestEntry struct {
	File     string `json:"file"`
	Priority string `json:"priority,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// WorkArea groups packets for level-2 closeout.
type WorkArea struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Packet is an immutable unit-of-work definition.
type Packet struct {
	ID                       string                 `json:"id"`
	WbsRef                   string                 `json:"wbs_ref"`
	AreaID                   string                 `json:"area_id"`
	Title                    string                 `json:"title"`
	Scope                    string                 `json:"scope,omitempty"`
	Preconditions            []string               `json:"preconditions,omitempty"`
	RequiredActions          []string               `json:"required_actions,omitempty"`
	RequiredOutputs          []string               `json:"required_outputs,omitempty"`
	ValidationChecks         []string               `json:"validation_checks,omitempty"`
	ExitCriteria             []string               `json:"exit_criteria,omitempty"`
	HaltConditions           []string               `json:"halt_conditions,omitempty"`
	Dependencies             []string               `json:"dependencies,omitempty"`
	PreflightRequired        bool                   `json:"preflight_required,omitempty"`
	ReviewRequired           bool                   `json:"review_required,omitempty"`
	HeartbeatRequired        bool                   `json:"heartbeat_required,omitempty"`
	HeartbeatIntervalSeconds int                    `json:"heartbeat_interval_seconds,omitempty"`
	ContextManifest          []ContextManifestEntry `json:"context_manifest,omitempty"`
	TemplateRef              string                 `json:"template_ref,omitempty"`
	OntologyRequired         bool                   `json:"ontology_required,omitempty"`
}

// RequiredContextFiles returns the manifest paths with required=true.
func (p *Packet) RequiredContextFiles() []string {
	var files []string
	for _, e := range p.ContextManifest {
		if e.Required {
			files = append(files, e.File)
		}
	}
	return files
}

// Document is the on-disk shape of definition.json.
type Document struct {
	SchemaVersion string     `json:"schema_version,omitempty"`
	Areas         []WorkArea `json:"areas"`
	Packets       []Packet   `json:"packets"`
}

// Definition is the validated, indexed, read-only view.
type Definition struct {
	doc     Document
	areas   map[string]*WorkArea
	packets map[string]*Packet
	byArea  map[string][]*Packet
}

// Load reads, validates, and indexes a definition file.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "", "definition file %s not found", path)
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("read definition %s: %w", path, err))
	}
	return Parse(raw)
}

// Parse validates and indexes definition document bytes.
func Parse(raw []byte) (*Definition, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc Document
	if err := jsonUnmarshalStrictNumbers(raw, &doc); err != nil {
		return nil, errcode.Wrap(errcode.SchemaInvalid, "", fmt.Errorf("decode definition: %w", err))
	}

	d := &Definition{
		doc:     doc,
		areas:   make(map[string]*WorkArea, len(doc.Areas)),
		packets: make(map[string]*Packet, len(doc.Packets)),
		byArea:  make(map[string][]*Packet),
	}

	for i := range doc.Areas {
		a := &doc.Areas[i]
		if _, dup := d.areas[a.ID]; dup {
			return nil, errcode.New(errcode.SchemaInvalid, "", "duplicate area id %q", a.ID)
		}
		d.areas[a.ID] = a
	}

	for i := range doc.Packets {
		p := &doc.Packets[i]
		if _, dup := d.packets[p.ID]; dup {
			return nil, errcode.New(errcode.SchemaInvalid, "", "duplicate packet id %q", p.ID)
		}
		if _, ok := d.areas[p.AreaID]; !ok {
			return nil, errcode.New(errcode.SchemaInvalid, "", "packet %q references unknown area %q", p.ID, p.AreaID)
		}
		d.packets[p.ID] = p
		d.byArea[p.AreaID] = append(d.byArea[p.AreaID], p)
	}

	for _, p := range d.packets {
		for _, dep := range p.Dependencies {
			if _, ok := d.packets[dep]; !ok {
				return nil, errcode.New(errcode.SchemaInvalid, "", "packet %q depends on unknown packet %q", p.ID, dep)
			}
			if dep == p.ID {
				return nil, errcode.New(errcode.SchemaInvalid, "", "packet %q depends on itself", p.ID)
			}
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		return nil, errcode.New(errcode.SchemaInvalid, "", "dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	for _, list := range d.byArea {
		sortPackets(list)
	}
	return d, nil
}

// Packet looks up a packet by id.
func (d *Definition) Packet(id string) (*Packet, error) {
	p, ok := d.packets[id]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "", "unknown packet %q", id)
	}
	return p, nil
}

// Area looks up a work area by id.
func (d *Definition) Area(id string) (*WorkArea, error) {
	a, ok := d.areas[id]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "", "unknown area %q", id)
	}
	return a, nil
}

// Packets returns all packets ordered by (area_id, wbs_ref).
func (d *Definition) Packets() []*Packet {
	out := make([]*Packet, 0, len(d.packets))
	for _, p := range d.packets {
		out = append(out, p)
	}
	sortPackets(out)
	return out
}

// PacketsInArea returns an area's packets ordered by (area_id, wbs_ref).
func (d *Definition) PacketsInArea(areaID string) []*Packet {
	return append([]*Packet(nil), d.byArea[areaID]...)
}

// Areas returns all work areas ordered by id.
func (d *Definition) Areas() []*WorkArea {
	out := make([]*WorkArea, 0, len(d.areas))
	for _, a := range d.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PacketIDs returns every packet id in (area_id, wbs_ref) order.
func (d *Definition) PacketIDs() []string {
	packets := d.Packets()
	ids := make([]string, len(packets))
	for i, p := range packets {
		ids[i] = p.ID
	}
	return ids
}

func sortPackets(list []*Packet) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].AreaID != list[j].AreaID {
			return list[i].AreaID < list[j].AreaID
		}
		return list[i].WbsRef < list[j].WbsRef
	})
}

// findCycle runs an iterative three-color DFS over the dependency edges
// and returns one witness path if a cycle exists.
func (d *Definition) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.packets))
	parent := make(map[string]string)

	ids := make([]string, 0, len(d.packets))
	for id := range d.packets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		deps := append([]string(nil), d.packets[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				parent[dep] = id
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				path := []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				// Reverse into dependency order for the message.
				for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
					path[l], path[r] = path[r], path[l]
				}
				return path
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func validateSchema(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errcode.Wrap(errcode.SchemaInvalid, "", fmt.Errorf("definition is not valid JSON: %w", err))
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return errcode.Wrap(errcode.SchemaInvalid, "", fmt.Errorf("definition schema: %w", err))
	}
	return nil
}

func jsonUnmarshalStrictNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(v)
}
