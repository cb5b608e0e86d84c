package diagram

import "sort"

type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Code        string `json:"code"`
}

var templates = []Template{
	{
		ID:          "basic-flowchart",
		Name:        "Basic Flowchart",
		Description: "Simple decision flowchart",
		Category:    "Flowchart",
		Code:        DefaultCode,
	},
	{
		ID:          "process-flowchart",
		Name:        "Process Flow",
		Description: "Business process flowchart",
		Category:    "Flowchart",
		Code: `graph TD
    A[Input] --> B[Process 1]
    B --> C{Validation}
    C -->|Valid| D[Process 2]
    C -->|Invalid| E[Error Handling]
    E --> B
    D --> F[Output]`,
	},
	{
		ID:          "basic-sequence",
		Name:        "Basic Sequence",
		Description: "Simple sequence diagram",
		Category:    "Sequence",
		Code: `sequenceDiagram
    participant A as Alice
    participant B as Bob
    A->>B: Hello Bob, how are you?
    B-->>A: Great!
    A-)B: See you later!`,
	},
	{
		ID:          "api-sequence",
		Name:        "API Interaction",
		Description: "API request/response flow",
		Category:    "Sequence",
		Code: `sequenceDiagram
    participant C as Client
    participant S as Server
    participant D as Database
    C->>S: POST /api/users
    S->>D: INSERT user
    D-->>S: Success
    S-->>C: 201 Created
    Note over C,D: User registration flow`,
	},
	{
		ID:          "basic-class",
		Name:        "Basic Class",
		Description: "Simple class diagram",
		Category:    "Class",
		Code: `classDiagram
    class Animal {
        +String name
        +int age
        +makeSound()
        +move()
    }
    class Dog {
        +String breed
        +bark()
    }
    Animal <|-- Dog`,
	},
	{
		ID:          "project-gantt",
		Name:        "Project Timeline",
		Description: "Project management timeline",
		Category:    "Gantt",
		Code: `gantt
    title Project Timeline
    dateFormat  YYYY-MM-DD
    section Planning
    Requirements    :a1, 2024-01-01, 30d
    Design         :after a1, 20d
    section Development
    Frontend       :2024-02-01, 45d
    Backend        :2024-02-15, 30d
    section Testing
    Unit Tests     :2024-03-01, 15d
    Integration    :2024-03-10, 10d`,
	},
	{
		ID:          "git-flow",
		Name:        "Git Flow",
		Description: "Git branching strategy",
		Category:    "Git",
		Code: `gitGraph
    commit
    branch develop
    checkout develop
    commit
    branch feature
    checkout feature
    commit
    commit
    checkout develop
    merge feature
    checkout main
    merge develop
    commit`,
	},
	{
		ID:          "user-states",
		Name:        "User States",
		Description: "User authentication states",
		Category:    "State",
		Code: `stateDiagram-v2
    [*] --> Logged_Out
    Logged_Out --> Logging_In : login()
    Logging_In --> Logged_In : success
    Logging_In --> Logged_Out : failure
    Logged_In --> Logged_Out : logout()
    Logged_In --> Profile : view_profile()
    Profile --> Logged_In : back()`,
	},
	{
		ID:          "basic-er",
		Name:        "Database ERD",
		Description: "Entity relationship diagram",
		Category:    "ER",
		Code: `erDiagram
    CUSTOMER ||--o{ ORDER : places
    ORDER ||--|{ LINE-ITEM : contains
    CUSTOMER {
        string name
        string custNumber
        string sector
    }
    ORDER {
        int orderNumber
        string deliveryAddress
    }
    LINE-ITEM {
        string productCode
        int quantity
        float pricePerUnit
    }`,
	},
}

// Templates returns the built-in templates in display order.
func Templates() []Template {
	return append([]Template(nil), templates...)
}

func TemplateByID(id string) (Template, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// TemplatesByCategory groups templates, keeping display order inside each
// category.
func TemplatesByCategory() map[string][]Template {
	out := make(map[string][]Template)
	for _, t := range templates {
		out[t.Category] = append(out[t.Category], t)
	}
	return out
}

// Categories lists category names in first-appearance order.
func Categories() []string {
	seen := make(map[string]int)
	for i, t := range templates {
		if _, ok := seen[t.Category]; !ok {
			seen[t.Category] = i
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return seen[names[i]] < seen[names[j]] })
	return names
}
