package chunkstream

// BuiltinTools returns the canonical tool surface of the platform. Most
// deployments pass this to NewNormalizer, optionally extended with
// deployment-specific tools.
func BuiltinTools() ToolSet {
	return NewToolSet(
		"read_file",
		"write_file",
		"edit_file",
		"search_replace",
		"delete_file",
		"run_command",
		"grep_search",
		"file_search",
		"semantic_search",
		"list_dir",
		"web_search",
		"todo_write",
	)
}
