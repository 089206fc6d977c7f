package prompt

import "github.com/hyperxav/clara-engine/internal/model"

// DefaultTemplateName is the template the pipeline renders when the tenant
// does not specify one.
const DefaultTemplateName = "post_generation"

// defaultTemplates returns the templates shipped with the engine.
func defaultTemplates() []model.PromptTemplate {
	return []model.PromptTemplate{
		{
			Name:    DefaultTemplateName,
			Version: 1,
			Text: `{{persona}}

Write a single social media post about the following topic:
{{topic}}

Relevant background:
{{context}}

Recent posts, for tone and to avoid repeating yourself:
{{recent_posts}}

Constraints:
- At most {{max_length}} characters.
- No hashtag spam, at most one hashtag.
- Plain text only, no markdown.
- Do not repeat any of the recent posts.

Reply with the post text only.`,
			Required:  []string{PersonaVar, "topic", "context", "recent_posts", "max_length"},
			MaxLength: 4000,
		},
	}
}
