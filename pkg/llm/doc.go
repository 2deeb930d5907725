// Package llm encodes chat requests for OpenAI-compatible and Anthropic
// Messages endpoints and decodes their answers, both whole and streamed.
// Every call goes through a failover.Fetcher, so a Client never talks to a
// single profile directly.
package llm
