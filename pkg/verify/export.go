package verify

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/dcl"
	"github.com/Mindburn-Labs/govern/pkg/definition"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
)

// Proof archive member names.
const (
	proofManifestName     = "manifest.json"
	proofDefinitionName   = "packet-definition.json"
	proofConstitutionName = "constitution.txt"
	proofStateName        = "runtime-state.json"
)

// ProofManifest indexes a sealed proof archive. ProofHash covers the
// canonical manifest with itself excluded.
type ProofManifest struct {
	PacketID  string            `json:"packet_id"`
	CreatedAt string            `json:"created_at"`
	Files     map[string]string `json:"files"`
	ProofHash string            `json:"proof_hash,omitempty"`
}

func (m *ProofManifest) computeHash() (string, error) {
	clone := *m
	clone.ProofHash = ""
	return canonicalize.Hash(&clone)
}

// ExportProof seals a packet's full evidence trail into a deterministic
// tar.gz: definition excerpt, constitution snapshot, commit chain, and
// current runtime state, indexed by a hashed manifest.
func (v *Verifier) ExportProof(packetID string, def *definition.Packet, constitutionPath, outPath string) (string, error) {
	if err := v.VerifyPacket(packetID); err != nil {
		return "", err
	}

	chain, err := v.commits.ListCommits(packetID)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", errcode.New(errcode.NotFound, "", "packet %s has no commits to export", packetID)
	}

	constRaw, err := os.ReadFile(constitutionPath)
	if err != nil {
		return "", errcode.Wrap(errcode.Io, "", fmt.Errorf("read constitution: %w", err))
	}
	defRaw, err := canonicalize.Canonical(def)
	if err != nil {
		return "", err
	}
	doc, err := v.states.Load()
	if err != nil {
		return "", err
	}
	stateRaw, err := canonicalize.Canonical(doc.Packet(packetID).CommittedView())
	if err != nil {
		return "", err
	}

	files := map[string][]byte{
		proofDefinitionName:   defRaw,
		proofConstitutionName: constRaw,
		proofStateName:        stateRaw,
	}
	for _, c := range chain {
		raw, err := canonicalize.Canonical(c)
		if err != nil {
			return "", err
		}
		files[fmt.Sprintf("commits/%06d.json", c.Seq)] = raw
	}

	manifest := ProofManifest{
		PacketID:  packetID,
		CreatedAt: canonicalize.FormatTime(time.Now()),
		Files:     map[string]string{},
	}
	for name, raw := range files {
		manifest.Files[name] = canonicalize.HashBytes(raw)
	}
	manifest.ProofHash, err = manifest.computeHash()
	if err != nil {
		return "", err
	}
	manifestRaw, err := canonicalize.Canonical(&manifest)
	if err != nil {
		return "", err
	}
	files[proofManifestName] = manifestRaw

	archive, err := buildArchive(files)
	if err != nil {
		return "", err
	}
	if err := fsio.WriteFileAtomic(outPath, archive, 0o644); err != nil {
		return "", err
	}
	return manifest.ProofHash, nil
}

// buildArchive writes members in sorted name order with zeroed
// timestamps so identical content yields identical bytes.
func buildArchive(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)
	for _, name := range names {
		raw := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(raw)),
			ModTime: time.Unix(0, 0).UTC(),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", name, err)
		}
		if _, err := tw.Write(raw); err != nil {
			return nil, fmt.Errorf("write member %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyProof re-opens a sealed archive and re-derives everything: file
// hashes against the manifest, the manifest's own hash, the commit
// chain linkage, and the runtime-state binding to the final commit.
func VerifyProof(path string) (*ProofManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("open proof: %w", err))
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("decompress proof: %w", err))
	}
	defer gz.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("read proof member: %w", err))
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("read proof member %s: %w", hdr.Name, err))
		}
		files[hdr.Name] = raw
	}

	manifestRaw, ok := files[proofManifestName]
	if !ok {
		return nil, errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
			"proof has no manifest")
	}
	var manifest ProofManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("decode manifest: %w", err))
	}

	recomputed, err := manifest.computeHash()
	if err != nil {
		return nil, err
	}
	if recomputed != manifest.ProofHash {
		return nil, errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
			"proof manifest hash mismatch")
	}

	for name, wantHash := range manifest.Files {
		raw, ok := files[name]
		if !ok {
			return nil, errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
				"proof member %s missing", name)
		}
		if canonicalize.HashBytes(raw) != wantHash {
			return nil, errcode.New(errcode.IntegrityFailure, errcode.SubCommitHashMismatch,
				"proof member %s does not match its manifest hash", name)
		}
	}

	var chain []*dcl.Commit
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(name) > 8 && name[:8] == "commits/" {
			var c dcl.Commit
			if err := json.Unmarshal(files[name], &c); err != nil {
				return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("decode %s: %w", name, err))
			}
			chain = append(chain, &c)
		}
	}
	if err := VerifyChain(manifest.PacketID, chain); err != nil {
		return nil, err
	}
	if len(chain) > 0 {
		stateRaw, ok := files[proofStateName]
		if !ok {
			return nil, errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
				"proof has no runtime state")
		}
		last := chain[len(chain)-1]
		if canonicalize.HashBytes(stateRaw) != last.PostStateHash {
			return nil, errcode.New(errcode.IntegrityFailure, errcode.SubRuntimeBindingMismatch,
				"proof runtime state does not bind to the final commit")
		}
	}
	return &manifest, nil
}
