package job

import (
	"fmt"
	"strings"

	"github.com/video-batcher/internal/models"
)

// settleSeconds is the quiet window scripted at the end of every clip so the
// next segment can be spliced on without a hard cut.
const settleSeconds = 1

// BuildRenderPrompt is the prompt submitted for the first scene of a job
func BuildRenderPrompt(scene models.ScenePrompt) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(scene.VisualPrompt))
	writeDialogue(&sb, scene.Script)
	fmt.Fprintf(&sb, "\nEnd the clip with the presenter holding still for the final %d second, mouth closed.", settleSeconds)
	return sb.String()
}

// BuildExtensionPrompt is the prompt submitted to continue a job from its last segment
func BuildExtensionPrompt(scene models.ScenePrompt, cfg models.JobConfig) string {
	var sb strings.Builder
	sb.WriteString("Continue seamlessly from the final frame of the previous clip. ")
	fmt.Fprintf(&sb, "Keep the same presenter (%s), the same setting, the same camera position and framing, the same lighting and the same voice.\n", cfg.AvatarName)
	sb.WriteString(strings.TrimSpace(scene.VisualPrompt))
	writeDialogue(&sb, scene.Script)
	fmt.Fprintf(&sb, "\nEnd the clip with the presenter holding still for the final %d second, mouth closed.", settleSeconds)
	return sb.String()
}

func writeDialogue(sb *strings.Builder, script string) {
	script = strings.TrimSpace(script)
	if script == "" {
		return
	}
	fmt.Fprintf(sb, "\nThe presenter says, speaking directly to camera: %q", script)
}
