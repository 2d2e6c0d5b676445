package domain

// Service is one of the consultation flavours offered by the backend.
type Service struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}

// Services is the fixed catalog shown on the consultation page, in display order.
var Services = []Service{
	{ID: "consult", Name: "法律咨询", Description: "获得专业的法律建议和解答", Endpoint: "/api/legal/consult"},
	{ID: "analyze", Name: "案情分析", Description: "深度分析案件情况和法律要点", Endpoint: "/api/legal/analyze"},
	{ID: "search", Name: "案例检索", Description: "查找相关法律案例和判决先例", Endpoint: "/api/legal/search-cases"},
	{ID: "recommend", Name: "律师推荐", Description: "推荐专业对口的执业律师", Endpoint: "/api/legal/recommend-lawyers"},
}

// LookupService returns the catalog entry for id.
func LookupService(id string) (Service, bool) {
	for _, s := range Services {
		if s.ID == id {
			return s, true
		}
	}
	return Service{}, false
}

// LegacyMode selects the case_type sent on the legacy query interface.
type LegacyMode string

const (
	LegacyConsultation LegacyMode = "consultation"
	LegacyCaseSearch   LegacyMode = "case_search"
)

// CaseType returns the backend's case_type label for the mode.
// Unknown modes fall back to consultation.
func (m LegacyMode) CaseType() string {
	if m == LegacyCaseSearch {
		return "案例查询"
	}
	return "法律咨询"
}
