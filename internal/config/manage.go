package config

import "fmt"

// KeyInfo is one row of `docket config show`. Secret values are never
// returned; Value reports only whether the secret is set.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		row := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		switch {
		case !s.secret:
			row.Value = fmt.Sprint(s.extract(cfg))
		case s.extract(cfg) != "":
			row.Value = "(set)"
		default:
			row.Value = "(unset)"
		}
		rows = append(rows, row)
	}
	return rows
}

// SetKey validates value and persists it to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(ConfigFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}
	if i, isInt := v.(int); isInt {
		return b.SetInt(key, i)
	}
	// Durations are stored in their string form so the file stays editable.
	return b.SetString(key, value)
}

// ValidKeys returns the keys accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
