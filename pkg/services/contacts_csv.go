package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// maxCSVContacts caps one upload; larger lists should be split across
// requests so a single transaction stays bounded.
const maxCSVContacts = 10_000

// ParseContactsCSV reads a contact list. The first row must be a header
// naming at least a "phone" column; "name", "email", and "priority" columns
// are picked up when present, everything else is ignored.
func ParseContactsCSV(r io.Reader) ([]models.ContactInput, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, NewValidationError("file", "csv is empty")
	}
	if err != nil {
		return nil, NewValidationError("file", fmt.Sprintf("invalid csv: %v", err))
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	phoneCol, ok := columns["phone"]
	if !ok {
		return nil, NewValidationError("file", `csv header must include a "phone" column`)
	}

	field := func(record []string, col int, ok bool) string {
		if !ok || col >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[col])
	}
	nameCol, hasName := columns["name"]
	emailCol, hasEmail := columns["email"]
	priorityCol, hasPriority := columns["priority"]

	var inputs []models.ContactInput
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, NewValidationError("file", fmt.Sprintf("line %d: %v", line, err))
		}
		phone := field(record, phoneCol, true)
		if phone == "" {
			continue
		}
		if !phonePattern.MatchString(phone) {
			return nil, NewValidationError("file",
				fmt.Sprintf("line %d: %q is not an E.164 phone number", line, phone))
		}
		input := models.ContactInput{
			Phone: phone,
			Name:  field(record, nameCol, hasName),
			Email: field(record, emailCol, hasEmail),
		}
		if p := field(record, priorityCol, hasPriority); p != "" {
			priority, err := strconv.Atoi(p)
			if err != nil {
				return nil, NewValidationError("file",
					fmt.Sprintf("line %d: priority %q is not a number", line, p))
			}
			input.Priority = priority
		}
		inputs = append(inputs, input)
		if len(inputs) > maxCSVContacts {
			return nil, NewValidationError("file",
				fmt.Sprintf("too many contacts, limit is %d per upload", maxCSVContacts))
		}
	}
	if len(inputs) == 0 {
		return nil, NewValidationError("file", "csv contains no contacts")
	}
	return inputs, nil
}
