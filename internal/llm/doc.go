// Package llm defines the narrow text-in, text-out contract the APR oracle
// uses to talk to a language model. Provider adapters live in sub-packages:
// openai (any chat-completions compatible endpoint, including Gemini's),
// anthropic, and pythonbridge for locally scripted oracles.
package llm
