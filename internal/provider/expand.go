package provider

// expansionSystemPrompt instructs the chat model used by Expand.
const expansionSystemPrompt = `You write prompts for an image generation model that produces print-ready graphic designs.
Rewrite the user's idea as one detailed description of a single standalone graphic: subject, style,
palette, composition and line quality. The design must sit on a transparent background with no
scenery, frame, mockup or text unless the user asks for text. Reply with the prompt only, under 900 characters.`
