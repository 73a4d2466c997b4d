package mcpserver

// MarkerFormatContract describes how tags appear inside card text and how
// LLM consumers should read and propose annotations.
const MarkerFormatContract = `# Dossier Marker Format

Cards hold the text of an uploaded document. Tags are embedded into that text
as inline markers. The index is derived from the markers and tag files; it is
never edited directly.

## Marker syntax

` + "```" + `
[type:visible text](tag-id)
` + "```" + `

- ` + "`" + `type` + "`" + ` is one of: entity, relationship, attribute, comment, kv_pair, label, data.
- ` + "`" + `visible text` + "`" + ` is exactly the text that appeared in the document. It never
  contains ` + "`" + `[` + "`" + `, ` + "`" + `]` + "`" + ` or a newline.
- ` + "`" + `tag-id` + "`" + ` is the id of the tag file the marker points at.

Markers never nest and never overlap. Removing every marker from a card yields
its source document unchanged; ` + "`" + `verify_card` + "`" + ` checks this.

## Card regions

Only the original-content region carries markers. Text an analyst adds lives in
a separate user-added region that is not compared against the source.

## Tags

- A tag has a name, optional aliases, and the list of cards it references.
- Names and aliases are the search terms used to place markers. Matching is
  case-insensitive at word boundaries.
- Entity tags can be joined by connections. A connection whose endpoint is not
  an existing entity tag is reported as broken.

## Example

` + "```" + `
[entity:Acme Corp](6f1c2a4e-1b7e-4f5e-9d0a-2b3c4d5e6f70) acquired
[entity:Globex](0a9b8c7d-6e5f-4a3b-2c1d-0e9f8a7b6c5d) in
[data:2019](1d2e3f4a-5b6c-4d7e-8f90-a1b2c3d4e5f6).
` + "```" + `
`
