package service

import (
	"net/http"
)

// OpenAPIVersion is the document format served at /openapi.json.
const OpenAPIVersion = "3.0.3"

// OpenAPIDocument describes the REST surface for the registered resources.
type OpenAPIDocument struct {
	OpenAPI    string              `json:"openapi"`
	Info       InfoSpec            `json:"info"`
	Paths      map[string]PathSpec `json:"paths"`
	Components ComponentsSpec      `json:"components"`
	Tags       []TagSpec           `json:"tags,omitempty"`
}

// InfoSpec contains API metadata
type InfoSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// PathSpec defines HTTP operations for a specific path
type PathSpec struct {
	GET    *OperationSpec `json:"get,omitempty"`
	POST   *OperationSpec `json:"post,omitempty"`
	PUT    *OperationSpec `json:"put,omitempty"`
	DELETE *OperationSpec `json:"delete,omitempty"`
}

// OperationSpec defines a single HTTP operation
type OperationSpec struct {
	Summary     string                  `json:"summary"`
	Description string                  `json:"description,omitempty"`
	Parameters  []ParameterSpec         `json:"parameters,omitempty"`
	RequestBody *RequestBodySpec        `json:"requestBody,omitempty"`
	Responses   map[string]ResponseSpec `json:"responses"`
	Tags        []string                `json:"tags,omitempty"`
}

// ParameterSpec defines an operation parameter
type ParameterSpec struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required,omitempty"`
	Schema   Schema `json:"schema"`
}

// RequestBodySpec is always a JSON entity.
type RequestBodySpec struct {
	Required bool                 `json:"required"`
	Content  map[string]MediaSpec `json:"content"`
}

// ResponseSpec defines an operation response
type ResponseSpec struct {
	Description string               `json:"description"`
	Content     map[string]MediaSpec `json:"content,omitempty"`
}

// MediaSpec references a component schema.
type MediaSpec struct {
	Schema Schema `json:"schema"`
}

// Schema is the subset of JSON schema the document uses.
type Schema struct {
	Ref                  string            `json:"$ref,omitempty"`
	Type                 string            `json:"type,omitempty"`
	Format               string            `json:"format,omitempty"`
	Properties           map[string]Schema `json:"properties,omitempty"`
	Required             []string          `json:"required,omitempty"`
	Items                *Schema           `json:"items,omitempty"`
	AdditionalProperties bool              `json:"additionalProperties,omitempty"`
	Description          string            `json:"description,omitempty"`
}

// ComponentsSpec holds the shared schemas.
type ComponentsSpec struct {
	Schemas map[string]Schema `json:"schemas"`
}

// TagSpec defines an API tag for grouping operations
type TagSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func ref(name string) Schema {
	return Schema{Ref: "#/components/schemas/" + name}
}

func jsonContent(s Schema) map[string]MediaSpec {
	return map[string]MediaSpec{"application/json": {Schema: s}}
}

// OpenAPI builds the document for the current set of resources.
func (s *Server) OpenAPI() OpenAPIDocument {
	doc := OpenAPIDocument{
		OpenAPI: OpenAPIVersion,
		Info: InfoSpec{
			Title:       "concur",
			Description: "Versioned resources with optimistic concurrency. PUT must carry the version the edit was based on; a stale version is answered with 409.",
			Version:     "1",
		},
		Paths: make(map[string]PathSpec),
		Components: ComponentsSpec{Schemas: map[string]Schema{
			"Entity": {
				Type:                 "object",
				Required:             []string{"id", "version"},
				AdditionalProperties: true,
				Properties: map[string]Schema{
					"id":      {Type: "string"},
					"version": {Type: "integer", Format: "int64", Description: "Server assigned, incremented by every successful update"},
				},
			},
			"EntityList": {
				Type: "object",
				Properties: map[string]Schema{
					"items": {Type: "array", Items: &Schema{Ref: "#/components/schemas/Entity"}},
					"count": {Type: "integer"},
				},
			},
			"Error": {
				Type:     "object",
				Required: []string{"error"},
				Properties: map[string]Schema{
					"error":     {Type: "string"},
					"code":      {Type: "string"},
					"exception": {Type: "string"},
				},
			},
		}},
	}

	idParam := ParameterSpec{Name: "id", In: "path", Required: true, Schema: Schema{Type: "string"}}
	errResp := func(desc string) ResponseSpec {
		return ResponseSpec{Description: desc, Content: jsonContent(ref("Error"))}
	}
	entityResp := func(desc string) ResponseSpec {
		return ResponseSpec{Description: desc, Content: jsonContent(ref("Entity"))}
	}
	body := &RequestBodySpec{Required: true, Content: jsonContent(ref("Entity"))}

	for _, name := range s.stores.Names() {
		tags := []string{name}
		doc.Tags = append(doc.Tags, TagSpec{Name: name, Description: "Versioned " + name + " entities"})

		doc.Paths["/"+name] = PathSpec{
			GET: &OperationSpec{
				Summary:   "List " + name,
				Tags:      tags,
				Responses: map[string]ResponseSpec{"200": {Description: "All entities", Content: jsonContent(ref("EntityList"))}},
			},
			POST: &OperationSpec{
				Summary:     "Create an entity at version 1",
				Tags:        tags,
				RequestBody: body,
				Responses: map[string]ResponseSpec{
					"201": entityResp("Created"),
					"400": errResp("Malformed body"),
					"422": errResp("Validation failed or id taken"),
				},
			},
		}
		doc.Paths["/"+name+"/{id}"] = PathSpec{
			GET: &OperationSpec{
				Summary:    "Fetch an entity with its current version",
				Tags:       tags,
				Parameters: []ParameterSpec{idParam},
				Responses:  map[string]ResponseSpec{"200": entityResp("Current entity"), "404": errResp("Not found")},
			},
			PUT: &OperationSpec{
				Summary:     "Update an entity",
				Description: "Succeeds only when the body version equals the stored version.",
				Tags:        tags,
				Parameters:  []ParameterSpec{idParam},
				RequestBody: body,
				Responses: map[string]ResponseSpec{
					"200": entityResp("Updated, version incremented"),
					"400": errResp("Missing version or malformed body"),
					"404": errResp("Not found"),
					"409": errResp("Version conflict"),
					"422": errResp("Validation failed"),
				},
			},
			DELETE: &OperationSpec{
				Summary:    "Delete an entity",
				Tags:       tags,
				Parameters: []ParameterSpec{idParam},
				Responses:  map[string]ResponseSpec{"204": {Description: "Deleted"}, "404": errResp("Not found")},
			},
		}
		doc.Paths["/"+name+"/{id}/watch"] = PathSpec{
			GET: &OperationSpec{
				Summary:     "Watch an entity",
				Description: "Websocket upgrade. Sends a snapshot, then updated and deleted events.",
				Tags:        tags,
				Parameters:  []ParameterSpec{idParam},
				Responses:   map[string]ResponseSpec{"101": {Description: "Switching protocols"}, "404": errResp("Not found")},
			},
		}
	}
	return doc
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.OpenAPI())
}
