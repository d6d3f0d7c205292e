package worker

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/terrachat/terrachat/internal/geo"
	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/pkg/types"
)

const systemPreamble = "You are an expert geospatial analyst assistant. You help users understand and analyze geographic data."

const systemGuidance = `Provide clear, concise, and technically accurate responses about geospatial analysis.
When discussing the area, refer to the coordinates and geographic context.
If asked about specific analysis types, explain what they involve and what insights they provide.`

// round4 formats v rounded to four decimal places without trailing zeros.
func round4(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// BuildSystemPrompt describes the analyst role, the analysis kind and the
// area under study. A nil summary means the session has no geometry.
func BuildSystemPrompt(kind types.AnalysisType, area *geo.Summary) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current Analysis Type: %s\n", kind.Description())
	if area != nil {
		fmt.Fprintf(&b, "Analysis Area: Center at %s, %s\n", round4(area.Center.Lat), round4(area.Center.Lon))
		fmt.Fprintf(&b, "Area Bounds: %s to %s latitude,\n", round4(area.Bounds.MinLat), round4(area.Bounds.MaxLat))
		fmt.Fprintf(&b, "             %s to %s longitude\n", round4(area.Bounds.MinLon), round4(area.Bounds.MaxLon))
		fmt.Fprintf(&b, "Approximate Extent: %s by %s degrees (longitude x latitude)\n",
			round4(area.WidthDegrees), round4(area.HeightDegrees))
	} else {
		b.WriteString("Analysis Area: not specified\n")
	}
	b.WriteString("\n")
	b.WriteString(systemGuidance)
	b.WriteString("\n")
	return b.String()
}

// BuildUserPrompt wraps the user's question with the map context.
func BuildUserPrompt(prompt string, kind types.AnalysisType, area *geo.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n\n", prompt)
	fmt.Fprintf(&b, "Context: The user has selected an area of interest on the map for %s analysis.\n", kind)
	if area != nil {
		fmt.Fprintf(&b, "The selected area is centered at coordinates (%s, %s).\n", coord(area.Center.Lat), coord(area.Center.Lon))
	}
	return b.String()
}

// BuildConversation assembles the provider input for one turn: the system
// prompt, the prior transcript oldest first, then the enriched prompt.
// Failure records are not part of the conversation.
func BuildConversation(session *types.Session, area *geo.Summary, history []*types.Message, prompt string) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(history)+2)
	out = append(out, provider.ChatMessage{
		Role:    types.RoleSystem,
		Content: BuildSystemPrompt(session.AnalysisType, area),
	})
	for _, m := range history {
		if m.IsFailure() {
			continue
		}
		out = append(out, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	out = append(out, provider.ChatMessage{
		Role:    types.RoleUser,
		Content: BuildUserPrompt(prompt, session.AnalysisType, area),
	})
	return out
}
