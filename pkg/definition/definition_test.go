package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

const validDoc = `{
  "schema_version": "1.0",
  "areas": [
    {"id": "L1", "title": "Foundations"},
    {"id": "L2", "title": "Services"}
  ],
  "packets": [
    {"id": "PKT-B", "wbs_ref": "1.2", "area_id": "L1", "title": "Schema", "dependencies": ["PKT-A"]},
    {"id": "PKT-A", "wbs_ref": "1.1", "area_id": "L1", "title": "Bootstrap"},
    {"id": "PKT-C", "wbs_ref": "2.1", "area_id": "L2", "title": "API",
     "dependencies": ["PKT-B"], "preflight_required": true, "review_required": true,
     "context_manifest": [
       {"file": "docs/api.md", "priority": "high", "required": true},
       {"file": "docs/notes.md", "required": false}
     ]}
  ]
}`

func TestParse_IndexesAndSorts(t *testing.T) {
	d, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{"PKT-A", "PKT-B", "PKT-C"}, d.PacketIDs())

	p, err := d.Packet("PKT-C")
	require.NoError(t, err)
	assert.True(t, p.PreflightRequired)
	assert.Equal(t, []string{"docs/api.md"}, p.RequiredContextFiles())

	a, err := d.Area("L2")
	require.NoError(t, err)
	assert.Equal(t, "Services", a.Title)

	l1 := d.PacketsInArea("L1")
	require.Len(t, l1, 2)
	assert.Equal(t, "PKT-A", l1[0].ID, "wbs_ref ordering within area")
}

func TestParse_UnknownPacketAndArea(t *testing.T) {
	d, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	_, err = d.Packet("PKT-Z")
	assert.Equal(t, errcode.NotFound, errcode.CodeOf(err))
	_, err = d.Area("L9")
	assert.Equal(t, errcode.NotFound, errcode.CodeOf(err))
}

func TestParse_RejectsDuplicatePacketIDs(t *testing.T) {
	doc := `{
	  "areas": [{"id": "L1", "title": "A"}],
	  "packets": [
	    {"id": "P", "wbs_ref": "1.1", "area_id": "L1", "title": "x"},
	    {"id": "P", "wbs_ref": "1.2", "area_id": "L1", "title": "y"}
	  ]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errcode.SchemaInvalid, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "duplicate packet id")
}

func TestParse_RejectsUnknownArea(t *testing.T) {
	doc := `{
	  "areas": [{"id": "L1", "title": "A"}],
	  "packets": [{"id": "P", "wbs_ref": "1.1", "area_id": "L9", "title": "x"}]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errcode.SchemaInvalid, errcode.CodeOf(err))
}

func TestParse_RejectsUnknownDependency(t *testing.T) {
	doc := `{
	  "areas": [{"id": "L1", "title": "A"}],
	  "packets": [{"id": "P", "wbs_ref": "1.1", "area_id": "L1", "title": "x", "dependencies": ["GHOST"]}]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errcode.SchemaInvalid, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown packet")
}

func TestParse_RejectsCycle(t *testing.T) {
	doc := `{
	  "areas": [{"id": "L1", "title": "A"}],
	  "packets": [
	    {"id": "P1", "wbs_ref": "1.1", "area_id": "L1", "title": "x", "dependencies": ["P2"]},
	    {"id": "P2", "wbs_ref": "1.2", "area_id": "L1", "title": "y", "dependencies": ["P3"]},
	    {"id": "P3", "wbs_ref": "1.3", "area_id": "L1", "title": "z", "dependencies": ["P1"]}
	  ]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errcode.SchemaInvalid, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestParse_RejectsSelfDependency(t *testing.T) {
	doc := `{
	  "areas": [{"id": "L1", "title": "A"}],
	  "packets": [{"id": "P", "wbs_ref": "1.1", "area_id": "L1", "title": "x", "dependencies": ["P"]}]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestParse_SchemaRejectsMissingFields(t *testing.T) {
	doc := `{"areas": [], "packets": [{"id": "P"}]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errcode.SchemaInvalid, errcode.CodeOf(err))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "definition.json"))
	assert.Equal(t, errcode.NotFound, errcode.CodeOf(err))
}

func TestLoad_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definition.json")
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, d.Packets(), 3)
}
