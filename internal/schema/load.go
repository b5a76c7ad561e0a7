package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// metadataDef constrains the shape of the metadata file. The user file is
// unified with this definition before decoding, so a malformed file fails
// at load time with a CUE error instead of surfacing as a half-built graph.
const metadataDef = `
#Link: {
	source: {table: string & !="", column: string & !=""}
	target: {table: string & !="", column: string & !=""}
}

schema:     string & !=""
links:      [...#Link]
exclusions: [...#Link]
denylist:   [...string]
`

// rawMetadata mirrors the CUE file layout for decoding.
type rawMetadata struct {
	Schema     string    `json:"schema"`
	Links      []rawLink `json:"links"`
	Exclusions []rawLink `json:"exclusions"`
	Denylist   []string  `json:"denylist"`
}

type rawLink struct {
	Source rawEndpoint `json:"source"`
	Target rawEndpoint `json:"target"`
}

type rawEndpoint struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// LoadMetadata reads and validates the CUE schema metadata file.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read schema metadata: %w", err)
	}
	return ParseMetadata(data, path)
}

// ParseMetadata validates and decodes CUE schema metadata.
// The filename is used only for error positions.
func ParseMetadata(data []byte, filename string) (Metadata, error) {
	ctx := cuecontext.New()

	def := ctx.CompileString(metadataDef)
	if err := def.Err(); err != nil {
		return Metadata{}, fmt.Errorf("compile metadata definition: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return Metadata{}, fmt.Errorf("compile schema metadata: %w", err)
	}

	merged := def.Unify(val)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Metadata{}, fmt.Errorf("validate schema metadata: %w", err)
	}

	var raw rawMetadata
	if err := merged.Decode(&raw); err != nil {
		return Metadata{}, fmt.Errorf("decode schema metadata: %w", err)
	}

	meta := Metadata{
		Schema:   raw.Schema,
		Denylist: raw.Denylist,
	}
	for _, l := range raw.Links {
		meta.Links = append(meta.Links, convertLink(l))
	}
	for _, l := range raw.Exclusions {
		meta.Exclusions = append(meta.Exclusions, convertLink(l))
	}
	return meta, nil
}

func convertLink(l rawLink) Link {
	return Link{
		SourceTable:  l.Source.Table,
		SourceColumn: l.Source.Column,
		TargetTable:  l.Target.Table,
		TargetColumn: l.Target.Column,
	}
}
