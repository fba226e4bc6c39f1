package mcpserver

// KeyFormatContract describes how citation keys are built and checked, for
// LLM clients that propose or type keys.
const KeyFormatContract = `# Citation Key Format

Every entry in an open file has a citation key that is unique across all
open files, counting both primary keys and aliases.

## Typed keys

A key typed by hand must match ` + "`" + `^[a-z][-:_a-z0-9]{2,}$` + "`" + ` (case-insensitive):
a leading letter, then letters, digits, ` + "`" + `-` + "`" + `, ` + "`" + `:` + "`" + ` or ` + "`" + `_` + "`" + `,
three characters at least.

## Generated keys

` + "```" + `
{prefix}{author}-{title}{year}{-NN}
` + "```" + `

- **prefix**: empty for article, book, misc, booklet, thesis and online.
  Other types get their first letter and a colon, e.g. ` + "`" + `i:` + "`" + ` for inproceedings.
  A misc entry with howpublished gets that field's first letter instead.
- **author**: last names, accents stripped, lower case. One or two authors
  give three letters each; more authors give two letters each.
- **title**: the first letter of each title word.
- **year**: four digits when known.
- **-NN**: added from ` + "`" + `-01` + "`" + ` upward while the key is taken.

Without an author the shape is ` + "`" + `{prefix}{title}{year}` + "`" + `; without a title it is
` + "`" + `{prefix}{author}{year}` + "`" + `. Keys shorter than eight characters are padded with
random hex digits. An entry with neither author nor title gets a random
key: ` + "`" + `r` + "`" + ` followed by 32 hex digits.

## Aliases

Renaming an entry keeps the old key in its ` + "`" + `ids` + "`" + ` field, so existing
citations still resolve. Use the check_key tool before renaming.

## Example

John Smith, *On Bibliography*, 2020 (article) → ` + "`" + `smi-ob2020` + "`" + `, then
` + "`" + `smi-ob2020-01` + "`" + ` if that is already taken.
`
