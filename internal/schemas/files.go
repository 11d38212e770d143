package schemas

import (
	"fmt"
	"strings"
)

// validateFileMime enforces an allowed-MIME list on a std.FileUpload value.
// extra is a comma-separated list of acceptable MIME types; "image/*" style
// prefixes are supported.
func validateFileMime(value any, extra string) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("expected file object")
	}
	return checkMime(obj, extra)
}

// validateFilesMime applies the MIME allowlist to every element of a
// std.FileUploads value.
func validateFilesMime(value any, extra string) error {
	list, ok := value.([]any)
	if !ok {
		return fmt.Errorf("expected file list")
	}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("file[%d]: expected file object", i)
		}
		if err := checkMime(obj, extra); err != nil {
			return fmt.Errorf("file[%d]: %w", i, err)
		}
	}
	return nil
}

func checkMime(obj map[string]any, allowList string) error {
	mime, _ := obj["mime_type"].(string)
	if mime == "" {
		mime, _ = obj["content_type"].(string)
	}
	for _, allowed := range strings.Split(allowList, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if prefix, isWildcard := strings.CutSuffix(allowed, "/*"); isWildcard {
			if strings.HasPrefix(mime, prefix+"/") {
				return nil
			}
			continue
		}
		if mime == allowed {
			return nil
		}
	}
	return fmt.Errorf("mime type %q not allowed", mime)
}
