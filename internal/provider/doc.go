// Package provider provides the chat-completion gateway used by analysis turns.
//
// Every backend implements Gateway, a single non-streaming Chat call that
// returns the reply text or an *Error. Four variants exist:
//
//   - openai: the OpenAI chat completions API via Eino's OpenAI chat model
//   - perplexity: the same Eino model pointed at api.perplexity.ai, with the
//     conversation normalized into strictly alternating turns first
//   - gemini: the generateContent REST endpoint, called over plain HTTP
//     because the key is a query parameter
//   - custom: a user-supplied endpoint speaking an OpenAI-shaped body
//
// # Selection and Credentials
//
// SelectProvider chooses the variant (session override, user default,
// openai). Resolve fills in the key, model and endpoint: the user's own
// settings win, workspace configuration fills gaps, and the custom provider
// never borrows a workspace key. A missing key or endpoint is a
// *ConfigError raised before any request is made.
//
// # Registry
//
// Registry maps each provider id to a Builder. Tests replace builders to
// inject fake gateways.
package provider
