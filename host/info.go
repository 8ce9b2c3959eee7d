package host

import (
	"context"
	"os"

	"github.com/pithecene-io/coapp/converter"
	"github.com/pithecene-io/coapp/install"
)

// Info is the reply of the info method and the output of `coapp info`.
type Info struct {
	ID                   string `json:"id" yaml:"id"`
	Name                 string `json:"name" yaml:"name"`
	Version              string `json:"version" yaml:"version"`
	Binary               string `json:"binary" yaml:"binary"`
	DisplayName          string `json:"displayName" yaml:"displayName"`
	Description          string `json:"description" yaml:"description"`
	Home                 string `json:"home" yaml:"home"`
	ConverterBinary      string `json:"converterBinary,omitempty" yaml:"converterBinary,omitempty"`
	ConverterBase        string `json:"converterBase,omitempty" yaml:"converterBase,omitempty"`
	ConverterBaseVersion string `json:"converterBaseVersion,omitempty" yaml:"converterBaseVersion,omitempty"`
	ConverterError       string `json:"converterError,omitempty" yaml:"converterError,omitempty"`
}

// BuildInfo describes the application and its converter. A converter that
// cannot be run is reported in ConverterError rather than failing.
func BuildInfo(ctx context.Context, meta install.Meta, executable string, conv *converter.Converter) *Info {
	home, _ := os.UserHomeDir()
	info := &Info{
		ID:          meta.ID,
		Name:        meta.Name,
		Version:     meta.Version,
		Binary:      executable,
		DisplayName: meta.Name,
		Description: meta.Description,
		Home:        home,
	}

	ci, err := conv.Info(ctx)
	if err != nil {
		info.ConverterError = err.Error()
		return info
	}
	info.ConverterBinary = ci.Binary
	info.ConverterBase = ci.Program
	info.ConverterBaseVersion = ci.Version
	return info
}
