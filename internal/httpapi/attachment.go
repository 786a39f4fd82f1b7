package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// setAttachmentHeaders marks an exported list as a download named after it.
func setAttachmentHeaders(w http.ResponseWriter, list string) error {
	filename, err := exportFileName(list)
	if err != nil {
		return err
	}
	// Add both filename and filename* for better UTF-8 compatibility.
	w.Header().Set("Content-Disposition", contentDispositionAttachment(filename))
	return nil
}

func exportFileName(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", requestError("INVALID_ARGUMENT", "list 不能为空", "")
	}
	if strings.ContainsAny(base, "\r\n\x00") {
		return "", requestError("INVALID_ARGUMENT", "list 含有非法控制字符", "")
	}
	if strings.Contains(base, "/") || strings.Contains(base, "\\") {
		return "", requestError("INVALID_ARGUMENT", "list 不允许包含路径分隔符", "")
	}
	return base + ".txt", nil
}

func contentDispositionAttachment(filename string) string {
	// RFC 6266 + RFC 5987.
	escaped := strings.ReplaceAll(filename, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", escaped, pctEncode(filename))
}

func pctEncode(s string) string {
	// Go's QueryEscape uses '+' for spaces, which we rewrite to %20.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
