package api

import (
	"net/http"
	"sort"
	"time"

	echo "github.com/labstack/echo/v5"
)

// SystemClientsResponse is returned by GET /api/v1/system/clients.
type SystemClientsResponse struct {
	Clients map[string]int `json:"clients"`
	Total   int            `json:"total"`
}

// SystemWarningsResponse is returned by GET /api/v1/system/warnings.
type SystemWarningsResponse struct {
	Warnings []SystemWarningItem `json:"warnings"`
}

// SystemWarningItem is a single system warning.
type SystemWarningItem struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Source    string `json:"source,omitempty"`
	CreatedAt string `json:"created_at"`
}

// systemClientsHandler handles GET /api/v1/system/clients.
// Reports live WebSocket client counts per channel.
func (s *Server) systemClientsHandler(c *echo.Context) error {
	counts := s.registry.ClientCounts()
	total := 0
	for _, n := range counts {
		total += n
	}

	return c.JSON(http.StatusOK, &SystemClientsResponse{
		Clients: counts,
		Total:   total,
	})
}

// systemWarningsHandler handles GET /api/v1/system/warnings.
func (s *Server) systemWarningsHandler(c *echo.Context) error {
	response := SystemWarningsResponse{
		Warnings: []SystemWarningItem{},
	}

	if s.warnings != nil {
		for _, w := range s.warnings.All() {
			response.Warnings = append(response.Warnings, SystemWarningItem{
				ID:        w.ID,
				Category:  w.Category,
				Message:   w.Message,
				Details:   w.Details,
				Source:    w.Source,
				CreatedAt: w.CreatedAt.Format(time.RFC3339),
			})
		}
		sort.Slice(response.Warnings, func(i, j int) bool {
			return response.Warnings[i].CreatedAt < response.Warnings[j].CreatedAt
		})
	}

	return c.JSON(http.StatusOK, response)
}
