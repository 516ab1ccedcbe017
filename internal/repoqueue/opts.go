package repoqueue

import (
	"fmt"
	"log"
	"path"
	"strings"

	"buildhub/internal/models"
)

// allowedOpts is the closed set of repo options.
var allowedOpts = map[string]bool{
	"src":          true,
	"debuginfo":    true,
	"separate_src": true,
	"maven":        true,
}

// ConvertRepoOpts validates an option set. With strict set an unknown
// key is a parameter error; otherwise it is dropped with a log line.
// A nil map is an empty option set.
func ConvertRepoOpts(opts models.RepoOpts, strict bool) (models.RepoOpts, error) {
	out := models.RepoOpts{}
	for key, val := range opts {
		if !allowedOpts[key] {
			if strict {
				return nil, fmt.Errorf("%w: invalid repo option: %s", models.ErrParameter, key)
			}
			log.Printf("ignoring invalid repo opt: %s", key)
			continue
		}
		out[key] = val
	}
	return out, nil
}

// matchAny reports whether the name matches any glob in the
// space-separated pattern list.
func matchAny(name, patterns string) bool {
	for _, pat := range strings.Fields(patterns) {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// GetRepoOpts determines the effective repo options for a tag and the
// custom subset an override introduced. Defaults come from the
// configured tag-name patterns, then the tag's repo.opts setting, then
// the override. Custom holds only the override entries that differ from
// the tag's defaults.
func (qu *Queue) GetRepoOpts(tag models.Tag, override models.RepoOpts) (opts, custom models.RepoOpts, err error) {
	opts = models.RepoOpts{
		"src":          matchAny(tag.Name, qu.cfg.SourceTags),
		"debuginfo":    matchAny(tag.Name, qu.cfg.DebuginfoTags),
		"separate_src": matchAny(tag.Name, qu.cfg.SeparateSourceTags),
		"maven":        false,
	}

	tagOpts := models.RepoOpts{}
	if raw, ok := tag.Extra["repo.opts"].(map[string]any); ok {
		for key, val := range raw {
			if b, ok := val.(bool); ok {
				tagOpts[key] = b
			}
		}
	}
	if v, ok := tag.Extra["with_debuginfo"]; ok {
		// compat with the older tag setting
		if _, newer := tag.Extra["repo.opts"]; newer {
			log.Printf("ignoring legacy with_debuginfo config for tag %s, overridden by repo.opts", tag.Name)
		} else if b, ok := v.(bool); ok {
			tagOpts["debuginfo"] = b
		}
	}
	tagOpts, _ = ConvertRepoOpts(tagOpts, false)
	for key, val := range tagOpts {
		opts[key] = val
	}

	if !qu.cfg.EnableMaven {
		opts["maven"] = false
		if override["maven"] {
			log.Printf("maven repo override requested but maven support is not enabled")
			// repo generation will reject it
		}
	}

	custom = models.RepoOpts{}
	if override != nil {
		override, err = ConvertRepoOpts(override, true)
		if err != nil {
			return nil, nil, err
		}
		for key, val := range override {
			if opts[key] != val {
				custom[key] = val
				opts[key] = val
			}
		}
	}
	return opts, custom, nil
}
