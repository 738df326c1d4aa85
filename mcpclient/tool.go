package mcpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mark3labs/mcp-go/mcp"
)

// PrintTools writes one line per tool: name, arguments (required ones
// marked with *) and description.
func PrintTools(w io.Writer, tools []mcp.Tool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tARGUMENTS\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tool.Name, formatArgs(tool.InputSchema), tool.Description)
	}
	return tw.Flush()
}

func formatArgs(schema mcp.ToolInputSchema) string {
	if len(schema.Properties) == 0 {
		return "-"
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if required[name] {
			names[i] = name + "*"
		}
	}
	return strings.Join(names, ",")
}

// ResultText joins the content parts of a tool result.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		parts = append(parts, formatContent(content))
	}
	return strings.Join(parts, "\n")
}

// formatContent formats content for display
func formatContent(content mcp.Content) string {
	switch c := content.(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	case mcp.ImageContent:
		return fmt.Sprintf("[Image: %s]", c.MIMEType)
	default:
		if jsonBytes, err := json.Marshal(content); err == nil {
			return string(jsonBytes)
		}
		return fmt.Sprintf("[Unknown content type: %T]", content)
	}
}
