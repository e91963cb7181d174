// Package gemini adapts Google's Gemini API to the generation stages.
//
// Two adapters share one genai client:
//
//  1. PromptService implements generation.PromptService with a text model
//     that rewrites structured parameters into an image instruction.
//  2. ImageBackend implements generation.Backend with an image-capable
//     model, sending the prompt and any input images inline and collecting
//     the inline image parts of the response.
//
// Neither adapter retries. Prompt failures fall back to the local template
// in the composer, and model failures fail the pipeline stage.
package gemini
