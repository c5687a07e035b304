package main

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fatih/color"
)

// reportWriter writes result lines prefixed with the vfs name and colorized by it
type reportWriter struct {
	wr         io.Writer
	name       string
	monochrome bool
}

// Printf writes formatted text, each line gets the prefix
func (r *reportWriter) Printf(format string, v ...any) {
	_, _ = fmt.Fprintf(r, format, v...)
}

// Write writes p line by line. A missing trailing newline is added.
func (r *reportWriter) Write(p []byte) (n int, err error) {
	colorizer := r.colorizer()
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		if _, err = io.WriteString(r.wr, colorizer("[%s] %s\n", r.name, scanner.Text())); err != nil {
			return 0, err
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Errorf writes formatted text in the error color, regardless of the vfs name
func (r *reportWriter) Errorf(format string, v ...any) {
	line := fmt.Sprintf("[%s] %s\n", r.name, fmt.Sprintf(format, v...))
	if !r.monochrome {
		line = color.New(color.FgHiRed).Sprint(line)
	}
	_, _ = io.WriteString(r.wr, line)
}

// colorizer picks a stable color for the vfs name
func (r *reportWriter) colorizer() func(format string, a ...any) string {
	colors := []color.Attribute{
		color.FgHiGreen, color.FgHiYellow, color.FgHiBlue, color.FgHiMagenta, color.FgHiCyan,
		color.FgGreen, color.FgYellow, color.FgBlue, color.FgMagenta, color.FgCyan,
	}
	if r.monochrome {
		return fmt.Sprintf
	}
	return color.New(colors[crc32.ChecksumIEEE([]byte(r.name))%uint32(len(colors))]).SprintfFunc()
}
