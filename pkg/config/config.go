package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// invalidConfigTemplate is shown when the config file isn't valid YAML, or
// doesn't match the Deploy schema. The YAML library doesn't say which key
// was at fault, so the parser's message is passed through as is.
const invalidConfigTemplate = "The deploy config %q is invalid.\n" +
	"Check that:\n" +
	" - Every key is one of the flags listed by `ftp-deploy deploy --help`\n" +
	" - Numbers and booleans aren't quoted, and `exclude` is a list\n\n" +
	"Parser error: %s"

// versioned is implemented by config files that declare their schema
// version.
type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The deploy config %q uses version %q, but this "+
		"version of ftp-deploy only understands %q.\n"+
		"Update the `version` key, and review the changed settings.",
		err.path, err.actual, err.exp)
}

// parseConfig reads the YAML file at `path` into `config`. The version is
// checked before unknown keys so that an outdated file reports its version
// rather than the keys that were renamed since.
func parseConfig(path string, config versioned, expVersion string) error {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(contents, config); err != nil {
		return errors.NewFriendlyError(invalidConfigTemplate, path, err)
	}

	if actual := config.getVersion(); actual != expVersion {
		return incompatibleVersionError{path, expVersion, actual}
	}

	if err := yaml.UnmarshalStrict(contents, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(invalidConfigTemplate, path, err)
	}
	return nil
}
