package codegen

import (
	"strings"
	"unicode"
)

// JSONKind returns the JSON type a decoded event parameter of the given solidity type has
// inside an entity. Integers wider than 64 bits stay exact as JSON numbers decoded with UseNumber.
func JSONKind(solidityType string) string {
	switch {
	case strings.HasSuffix(solidityType, "]"):
		return "array"
	case solidityType == "bool":
		return "boolean"
	case strings.HasPrefix(solidityType, "uint"), strings.HasPrefix(solidityType, "int"):
		return "number"
	case solidityType == "bytes", strings.HasPrefix(solidityType, "bytes"):
		// fixed bytes decode to byte arrays, dynamic bytes to base64 strings
		if solidityType == "bytes" {
			return "string"
		}
		return "array"
	default:
		return "string"
	}
}

// FieldName returns the entity field a parameter is stored under.
// Examples: "from" -> "from", "tokenId" -> "token_id".
func FieldName(paramName string) string {
	return ToSnakeCase(paramName)
}

// HandlerName returns the handler an event is bound to, e.g. "Transfer" -> "handleTransfer".
func HandlerName(eventName string) string {
	return "handle" + ToPascalCase(eventName)
}

// ToSnakeCase converts camelCase or PascalCase to snake_case.
func ToSnakeCase(s string) string {
	runes := []rune(s)
	out := make([]rune, 0, 2*len(runes)) //nolint:mnd

	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(runes[i-1]) {
			out = append(out, '_')
		}
		out = append(out, unicode.ToLower(r))
	}

	return string(out)
}

// ToPascalCase converts a snake, kebab or space separated string to PascalCase.
// Segments that are already mixed case keep their inner capitals.
func ToPascalCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})

	for i, part := range parts {
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}

	return strings.Join(parts, "")
}
