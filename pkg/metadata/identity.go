package metadata

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// Identity is the subset of a document the upload engine reads.
type Identity struct {
	Class string `mapstructure:"class"`
	FMU   struct {
		Case struct {
			UUID string `mapstructure:"uuid"`
			Name string `mapstructure:"name"`
		} `mapstructure:"case"`
		Iteration struct {
			UUID string `mapstructure:"uuid"`
			Name string `mapstructure:"name"`
		} `mapstructure:"iteration"`
		Realization struct {
			UUID string `mapstructure:"uuid"`
			ID   int    `mapstructure:"id"`
			Name string `mapstructure:"name"`
		} `mapstructure:"realization"`
	} `mapstructure:"fmu"`
	File struct {
		RelativePath string `mapstructure:"relative_path"`
		AbsolutePath string `mapstructure:"absolute_path"`
		ChecksumMD5  string `mapstructure:"checksum_md5"`
	} `mapstructure:"file"`
	Data struct {
		Format  string `mapstructure:"format"`
		Content string `mapstructure:"content"`
		Name    string `mapstructure:"name"`
	} `mapstructure:"data"`
}

// Identity decodes the identity fields of d.
func (d Document) Identity() (Identity, error) {
	var id Identity

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &id,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return id, fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(map[string]any(d)); err != nil {
		return id, fmt.Errorf("decoding identity fields: %w", err)
	}

	return id, nil
}

// IsFileLevel reports whether the document describes a result file.
func (id Identity) IsFileLevel() bool {
	switch id.Class {
	case ClassCase, ClassRealization, ClassIteration:
		return false
	default:
		return true
	}
}

// Validate checks that d carries the identity fields required for its class.
// Failures are KindValidation errors.
func Validate(d Document) error {
	const op = "validate metadata"

	if d == nil {
		return uploaderr.Newf(uploaderr.KindValidation, op, "document is empty")
	}

	id, err := d.Identity()
	if err != nil {
		return uploaderr.New(uploaderr.KindValidation, op, err)
	}

	if id.Class == "" {
		return uploaderr.Newf(uploaderr.KindValidation, op, "missing class")
	}

	if id.FMU.Case.UUID == "" {
		return uploaderr.Newf(uploaderr.KindValidation, op, "missing fmu.case.uuid")
	}

	if _, err := uuid.Parse(id.FMU.Case.UUID); err != nil {
		return uploaderr.Newf(uploaderr.KindValidation, op,
			"fmu.case.uuid %q is not a uuid: %v", id.FMU.Case.UUID, err)
	}

	if !id.IsFileLevel() {
		return nil
	}

	if id.File.RelativePath == "" {
		return uploaderr.Newf(uploaderr.KindValidation, op, "missing file.relative_path")
	}

	if _, ok := d.Get("file.checksum_md5"); !ok {
		return uploaderr.Newf(uploaderr.KindValidation, op, "missing file.checksum_md5")
	}

	return nil
}
