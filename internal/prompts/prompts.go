// Package prompts holds the default system prompt for voice conversations.
package prompts

// DefaultSystemPrompt is used when a session supplies none of its own. Voice
// output punishes long, formatted answers, so the prompt leans terse.
const DefaultSystemPrompt = `You are a helpful voice assistant. Keep responses concise and conversational.
Never use markdown, bullet points, or code blocks: your words are spoken aloud.
If a question needs a long answer, give the short version and offer to elaborate.`
