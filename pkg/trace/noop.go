//go:build !tracing

package trace

// NewFileExporter returns a no-op exporter when tracing is disabled.
func NewFileExporter(filePath string, opts FileExporterOptions) (Exporter, error) {
	return &NoopExporter{}, nil
}
