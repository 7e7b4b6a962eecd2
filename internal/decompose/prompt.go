package decompose

// decompositionPrompt is the prompt template for one expansion step.
// Arguments: the overall goal, the fragment being expanded, the beam width.
const decompositionPrompt = `Break the fragment below into subtasks that independent agents can complete.

Overall goal:
%s

Fragment to decompose:
%s

Return ONLY JSON (no other text). Either one decomposition:
[
  {
    "title": "Short unique task title",
    "description": "What the agent must produce",
    "depends_on": ["title of another task in this list"],
    "decompose": false
  }
]
or up to %d alternative decompositions as an array of such arrays.

Guidelines:
- Tasks should be as independent as possible to allow parallel execution
- Only add dependencies when truly necessary (task A must complete before task B)
- depends_on may only name titles from the same decomposition
- Set "decompose": true only for a task that is still too large for one agent
- Use empty array [] for depends_on if there are no dependencies`
