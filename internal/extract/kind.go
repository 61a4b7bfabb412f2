package extract

import (
	"path/filepath"
	"sort"
	"strings"
)

type kindFormat struct {
	kind   Kind
	format string
}

var extensions = map[string]kindFormat{
	".pdf":      {KindPaginated, "pdf"},
	".docx":     {KindFlowText, "docx"},
	".html":     {KindFlowText, "html"},
	".htm":      {KindFlowText, "html"},
	".xhtml":    {KindFlowText, "html"},
	".md":       {KindFlowText, "md"},
	".markdown": {KindFlowText, "md"},
	".txt":      {KindText, "txt"},
	".text":     {KindText, "txt"},
	".rst":      {KindText, "txt"},
	".log":      {KindText, "txt"},
	".csv":      {KindTabular, "csv"},
	".tsv":      {KindTabular, "tsv"},
	".xlsx":     {KindTabular, "xlsx"},
	".png":      {KindImage, "png"},
	".jpg":      {KindImage, "jpeg"},
	".jpeg":     {KindImage, "jpeg"},
	".gif":      {KindImage, "gif"},
	".bmp":      {KindImage, "bmp"},
	".tif":      {KindImage, "tiff"},
	".tiff":     {KindImage, "tiff"},
	".webp":     {KindImage, "webp"},
}

// DetectKind maps a file extension to its kind and format.
// Unknown extensions return KindUnknown.
func DetectKind(path string) (Kind, string) {
	kf, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return KindUnknown, ""
	}
	return kf.kind, kf.format
}

// Supported reports whether path has an extractable extension.
func Supported(path string) bool {
	kind, _ := DetectKind(path)
	return kind != KindUnknown
}

// SupportedExtensions lists every recognised extension, sorted.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
