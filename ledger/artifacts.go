package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact is a compiled contract: its ABI and creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

type artifactFile struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// ParseArtifact decodes a truffle/hardhat style build artifact.
func ParseArtifact(raw []byte) (*Artifact, error) {
	var f artifactFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ledger: decode artifact: %w", err)
	}
	if len(f.ABI) == 0 {
		return nil, fmt.Errorf("ledger: artifact %q has no abi", f.ContractName)
	}
	parsed, err := abi.JSON(bytes.NewReader(f.ABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi for %q: %w", f.ContractName, err)
	}
	art := &Artifact{Name: f.ContractName, ABI: parsed}
	if f.Bytecode != "" && f.Bytecode != "0x" {
		code, err := hexutil.Decode(f.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("ledger: decode bytecode for %q: %w", f.ContractName, err)
		}
		art.Bytecode = code
	}
	return art, nil
}

// LoadArtifacts reads <dir>/<ArtifactName>.json for every contract kind.
func LoadArtifacts(dir string) (map[ContractKind]*Artifact, error) {
	out := make(map[ContractKind]*Artifact, len(DeploymentOrder))
	for _, kind := range DeploymentOrder {
		path := filepath.Join(dir, kind.ArtifactName()+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ledger: read artifact %s: %w", path, err)
		}
		art, err := ParseArtifact(raw)
		if err != nil {
			return nil, err
		}
		for _, name := range Events(kind) {
			if _, ok := art.ABI.Events[name]; !ok {
				return nil, fmt.Errorf("ledger: artifact %s missing event %s", art.Name, name)
			}
		}
		out[kind] = art
	}
	return out, nil
}
